package store

import "errors"

// errCancelled is wrapped into the error returned by Download/Upload when
// the backend's Cancelled channel has fired (spec.md §5, §7: "shutdown").
var errCancelled = errors.New("store: operation cancelled")

// IsCancelled reports whether err was caused by a backend shutdown.
func IsCancelled(err error) bool {
	return errors.Is(err, errCancelled)
}
