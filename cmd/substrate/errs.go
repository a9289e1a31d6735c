package main

import (
	"fmt"
	"os"

	"github.com/lazyplatypus/coord-substrate/pkg/errs"
)

func isConflict(err error) bool {
	return errs.Is(err, errs.KindConflict) || errs.Is(err, errs.KindRateLimit)
}

// reportErr prints err to stderr (JSON or plain) and returns the exit code
// the caller should use.
func reportErr(err error, jsonOut bool) int {
	if jsonOut {
		payload := map[string]interface{}{"error": err.Error()}
		if se, ok := err.(*errs.Error); ok {
			payload["kind"] = string(se.Kind)
			payload["code"] = se.Code
			if se.Hint != "" {
				payload["hint"] = se.Hint
			}
			if len(se.Holders) > 0 {
				payload["holders"] = se.Holders
			}
		}
		fmt.Fprintln(os.Stderr, toJSON(payload))
	} else {
		fmt.Fprintf(os.Stderr, "substrate: %v\n", err)
	}
	return exitCodeFor(err)
}
