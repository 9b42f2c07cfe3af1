// Package frame implements the tagtrack line protocol.
//
// Producers write one frame per line, terminated by '\n':
//
//	TAG,<tag_id>,<cnt>,<timestamp>
//
// For example:
//
//	TAG,fa451f0755d8,198,20250616110501.456
//
// The tag id is an opaque string (usually a hex device id), cnt is a base-10
// unsigned counter that the tag increments on every transmission, and the
// timestamp is the tag's own clock in YYYYMMDDHHMMSS.mmm form with one to
// three fractional digits.
//
// # Validation
//
// ParseAt checks, in order, and reports the first failure as a *ParseError:
//
//  1. exactly four comma-separated fields (BAD_FIELD_COUNT)
//  2. first field is the literal "TAG", case-sensitive (MALFORMED_FORMAT)
//  3. tag id is non-empty (MALFORMED_FORMAT)
//  4. counter is a non-negative base-10 integer (NON_NUMERIC_COUNTER)
//  5. timestamp matches the pattern and names a real date (INVALID_TIMESTAMP)
//
// Whitespace around any field is trimmed before it is checked, so padded
// streams such as "TAG, fa451f0755d8 ,198, 20250616110501.456" parse cleanly.
//
// The package holds no state; Parse and ParseAt may be called from any
// goroutine.
package frame
