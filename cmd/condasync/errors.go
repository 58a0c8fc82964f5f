package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	mirrorGroups := make(map[string]int)
	var order []string

	for _, key := range undecoded {
		keyStr := key.String()

		// "mirror" vs "mirrors" is the common typo
		if keyStr == "mirror" {
			continue
		}
		if strings.HasPrefix(keyStr, "mirror.") {
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1]
				if mirrorGroups[rootSection] == 0 {
					order = append(order, rootSection)
				}
				mirrorGroups[rootSection]++
				continue
			}
		}
		unknown = append(unknown, keyStr)
	}

	for _, rootSection := range order {
		count := mirrorGroups[rootSection]
		correctedSection := strings.Replace(rootSection, "mirror.", "mirrors.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
	}

	return errorMsg.String()
}
