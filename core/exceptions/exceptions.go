package exceptions

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/compasproject/compas/core/api"
)

const AllowlistRelPath = ".agents/mcp/compas/allowlist.toml"

// SuppressionResult splits input violations into kept and suppressed sets.
// Expired or window-exceeded entries surface as new violations and never
// suppress anything.
type SuppressionResult struct {
	Violations []api.Violation
	Suppressed []api.Violation
}

type allowlistFile struct {
	Exceptions []ExceptionEntry `toml:"exceptions"`
}

type ExceptionEntry struct {
	ID        string `toml:"id"`
	Rule      string `toml:"rule"`
	Path      string `toml:"path"`
	Owner     string `toml:"owner"`
	Reason    string `toml:"reason"`
	ExpiresAt string `toml:"expires_at"`
}

type Limits struct {
	MaxExceptionWindowDays int
	Now                    time.Time
}

func normalizeExceptionPath(raw string) string {
	return strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/"), "./")
}

func hasGlobChars(s string) bool {
	return strings.ContainsAny(s, "*?[]{}")
}

func isRelativeAndSafe(path string) bool {
	if strings.HasPrefix(path, "/") || filepath.IsAbs(filepath.FromSlash(path)) {
		return false
	}
	for _, component := range strings.Split(path, "/") {
		if component == ".." {
			return false
		}
	}
	return true
}

func allowlistInvalid(message string) api.Violation {
	return api.Blocking("exception.allowlist_invalid", message, AllowlistRelPath, nil)
}

func expiredException(entry ExceptionEntry) api.Violation {
	return api.Blocking(
		"exception.expired",
		fmt.Sprintf("allowlist exception expired: id=%s rule=%s path=%s expires_at=%s",
			entry.ID, entry.Rule, entry.Path, entry.ExpiresAt),
		AllowlistRelPath, nil)
}

func windowExceededException(entry ExceptionEntry, maxDays, daysAhead int) api.Violation {
	return api.Blocking(
		"exception.window_exceeded",
		fmt.Sprintf("allowlist exception window exceeds max_exception_window_days: id=%s rule=%s path=%s expires_at=%s days_ahead=%d max_days=%d",
			entry.ID, entry.Rule, entry.Path, entry.ExpiresAt, daysAhead, maxDays),
		AllowlistRelPath, nil)
}

func failClosed(input []api.Violation, violation api.Violation) SuppressionResult {
	violations := make([]api.Violation, 0, len(input)+1)
	violations = append(violations, violation)
	violations = append(violations, input...)
	return SuppressionResult{Violations: violations}
}

// Apply loads allowlist.toml and suppresses violations matched exactly by
// (rule, path). An invalid allowlist fails closed: nothing is suppressed and
// the defect itself becomes a blocking violation.
func Apply(repoRoot string, input []api.Violation, limits Limits) SuppressionResult {
	allowlistPath := filepath.Join(repoRoot, filepath.FromSlash(AllowlistRelPath))
	info, statErr := os.Stat(allowlistPath)
	if statErr != nil || !info.Mode().IsRegular() {
		return SuppressionResult{Violations: input}
	}

	// #nosec G304 -- allowlist path is fixed relative to the repo root.
	raw, readErr := os.ReadFile(allowlistPath)
	if readErr != nil {
		return failClosed(input, allowlistInvalid("failed to read allowlist: "+readErr.Error()))
	}

	var parsed allowlistFile
	decoder := toml.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&parsed); err != nil {
		return failClosed(input, allowlistInvalid("failed to parse allowlist: "+err.Error()))
	}

	now := limits.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	today := now.Truncate(24 * time.Hour)

	seenIDs := map[string]struct{}{}
	var entries []ExceptionEntry
	var expired []api.Violation

	for _, entry := range parsed.Exceptions {
		entry.ID = strings.TrimSpace(entry.ID)
		entry.Rule = strings.TrimSpace(entry.Rule)
		entry.Path = normalizeExceptionPath(entry.Path)
		entry.Owner = strings.TrimSpace(entry.Owner)
		entry.Reason = strings.TrimSpace(entry.Reason)
		entry.ExpiresAt = strings.TrimSpace(entry.ExpiresAt)

		if entry.ID == "" {
			return failClosed(input, allowlistInvalid("exception entry has empty id"))
		}
		if _, dup := seenIDs[entry.ID]; dup {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("duplicate exception id=%s (ids must be unique)", entry.ID)))
		}
		seenIDs[entry.ID] = struct{}{}

		if entry.Rule == "" {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s has empty rule", entry.ID)))
		}
		if entry.Path == "" {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s has empty path", entry.ID)))
		}
		if !isRelativeAndSafe(entry.Path) {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s has unsafe/absolute path=%s", entry.ID, entry.Path)))
		}
		if hasGlobChars(entry.Path) {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s uses glob characters in path (globs are forbidden): %s", entry.ID, entry.Path)))
		}
		if entry.Owner == "" {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s has empty owner", entry.ID)))
		}
		if entry.Reason == "" {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s has empty reason", entry.ID)))
		}
		if entry.ExpiresAt == "" {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s must include expires_at in YYYY-MM-DD for time-boxed suppression", entry.ID)))
		}
		expiresDate, parseErr := time.ParseInLocation("2006-01-02", entry.ExpiresAt, time.UTC)
		if parseErr != nil {
			return failClosed(input, allowlistInvalid(fmt.Sprintf("exception id=%s has invalid expires_at=%q: %v", entry.ID, entry.ExpiresAt, parseErr)))
		}

		if expiresDate.Before(today) {
			expired = append(expired, expiredException(entry))
			continue
		}
		if limits.MaxExceptionWindowDays > 0 {
			daysAhead := int(expiresDate.Sub(today).Hours() / 24)
			if daysAhead > limits.MaxExceptionWindowDays {
				expired = append(expired, windowExceededException(entry, limits.MaxExceptionWindowDays, daysAhead))
				continue
			}
		}

		entries = append(entries, entry)
	}

	var result SuppressionResult
	result.Violations = append(result.Violations, expired...)

	for _, violation := range input {
		if strings.HasPrefix(violation.Code, "exception.") || violation.Path == "" {
			result.Violations = append(result.Violations, violation)
			continue
		}
		path := normalizeExceptionPath(violation.Path)
		matched := false
		for _, entry := range entries {
			if entry.Rule == violation.Code && entry.Path == path {
				matched = true
				break
			}
		}
		if matched {
			result.Suppressed = append(result.Suppressed, violation)
		} else {
			result.Violations = append(result.Violations, violation)
		}
	}
	return result
}
