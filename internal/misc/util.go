package misc

import "strings"

// notFoundPhrases are the messages store backends use to signal a
// missing object; none of them export a shared sentinel error.
var notFoundPhrases = []string{
	"not found",
	"does not exist",
	"no such file",
}

// IsNotFoundError reports whether err describes a missing object
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	for _, phrase := range notFoundPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
