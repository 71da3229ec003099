package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrPostNotFound is returned when a post cannot be found in the database
	ErrPostNotFound = errors.New("post not found")

	// ErrAssetNotFound is returned when an asset row is missing
	ErrAssetNotFound = errors.New("asset not found")

	// ErrQuotaGroupNotFound is returned when a quota group row is missing
	ErrQuotaGroupNotFound = errors.New("quota group not found")

	// ErrInvalidReference is returned when a new job names a missing account or asset
	ErrInvalidReference = errors.New("referenced account or asset does not exist")

	// ErrTerminalStatus is returned when a status write targets a finished post
	ErrTerminalStatus = errors.New("post already in terminal status")

	// ErrAlreadyClaimed is returned when another worker moved the post out of PENDING or SCHEDULED first
	ErrAlreadyClaimed = errors.New("post already claimed")
)

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
