package tables

import "errors"

// ErrTableInvalid is returned when a table's checksum doesn't match its
// values; callers load DefaultTable and continue per spec.md §7.
var ErrTableInvalid = errors.New("table checksum mismatch")
