package sw

import "errors"

var (
	ErrBlobVersionMismatch = errors.New("blob version mismatch")
	ErrBlobNotFound        = errors.New("blob not found")

	ErrEntryNotFound = errors.New("cache entry not found")
	ErrStoreWrite    = errors.New("cache store write failed")
	ErrStorePurge    = errors.New("cache store purge failed")

	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrContentMismatch    = errors.New("content type does not match request class")

	ErrQueueRead = errors.New("sync queue unreadable")

	ErrStateNotFound           = errors.New("lifecycle state not found")
	ErrTransitionLeaseConflict = errors.New("lifecycle transition lease conflict")
	ErrInstallFailed           = errors.New("install failed")
	ErrNoPendingInstall        = errors.New("no installed version waiting to activate")
)
