package diffarea

import "errors"

// errNoSpace is returned internally when Diff Storage allocation fails
// during copy-out; it always surfaces to the caller as Fail plus a sticky
// corrupted Diff Area, per spec.md §7 (NoSpace poisons the Diff Area).
var errNoSpace = errors.New("diffarea: diff storage exhausted")

// errUnknownDiffStoreDevice means an allocated extent named a device_id the
// DiffStoreResolver doesn't recognize: a configuration error in the
// caller's device registry, not a runtime I/O failure.
var errUnknownDiffStoreDevice = errors.New("diffarea: unknown diff store device")
