package plugman

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/compasproject/compas/core/hashx"
)

const (
	maxManifestBytes  = 5 * 1024 * 1024
	maxSignatureBytes = 512 * 1024
	maxArchiveFetch   = 50 * 1024 * 1024
)

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://")
}

func cacheRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	root := filepath.Join(base, "compas", "plugins", "registry")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", fmt.Errorf("create cache root %s: %w", root, err)
	}
	return root, nil
}

func fetchURLBytes(url string, maxBytes int64) ([]byte, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	// #nosec G107 -- the registry URL is explicit operator input.
	response, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %d", url, response.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", url, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("payload too large from %s: > %d bytes", url, maxBytes)
	}
	return data, nil
}

// ResolvedManifest is a verified manifest plus the context needed to locate
// and cache its release archive.
type ResolvedManifest struct {
	Manifest       *RegistryManifest
	ManifestSHA256 string
	SignatureKeyID string
	Source         string
	baseURL        string
	baseDir        string
}

type LoadOptions struct {
	AllowUnsigned bool
	PubkeyPEMPath string
}

// LoadVerifiedManifest fetches or reads the manifest, verifies its detached
// signature against the keyring (unless explicitly bypassed), and validates
// the manifest schema. Signature failure invalidates any cached entry keyed
// by this source.
func LoadVerifiedManifest(source string, opts LoadOptions) (*ResolvedManifest, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("registry source is required")
	}

	var manifestBytes []byte
	var signatureB64 string
	resolved := &ResolvedManifest{Source: source}

	if isHTTPURL(source) {
		var err error
		manifestBytes, err = fetchURLBytes(source, maxManifestBytes)
		if err != nil {
			return nil, err
		}
		if !opts.AllowUnsigned {
			sigBytes, sigErr := fetchURLBytes(source+".sig", maxSignatureBytes)
			if sigErr != nil {
				return nil, fmt.Errorf("missing registry manifest signature (.sig); use --allow-unsigned to bypass: %w", sigErr)
			}
			signatureB64 = string(sigBytes)
		}
		if idx := strings.LastIndex(source, "/"); idx > 0 {
			resolved.baseURL = source[:idx]
		}
	} else {
		absSource, err := filepath.Abs(source)
		if err != nil {
			return nil, fmt.Errorf("resolve registry source %s: %w", source, err)
		}
		// #nosec G304 -- the registry path is explicit operator input.
		manifestBytes, err = os.ReadFile(absSource)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", absSource, err)
		}
		sigPath := absSource + ".sig"
		// #nosec G304 -- derived from the operator-provided manifest path.
		if sigBytes, sigErr := os.ReadFile(sigPath); sigErr == nil {
			signatureB64 = string(sigBytes)
		}
		resolved.baseDir = filepath.Dir(absSource)
	}

	resolved.ManifestSHA256 = hashx.SHA256Hex(manifestBytes)

	if !opts.AllowUnsigned {
		if strings.TrimSpace(signatureB64) == "" {
			return nil, fmt.Errorf("missing registry manifest signature (.sig); use --allow-unsigned to bypass")
		}
		var keyring []string
		if opts.PubkeyPEMPath != "" {
			// #nosec G304 -- the pubkey path is explicit operator input.
			pemBytes, err := os.ReadFile(opts.PubkeyPEMPath)
			if err != nil {
				return nil, fmt.Errorf("read pubkey %s: %w", opts.PubkeyPEMPath, err)
			}
			keyring = []string{string(pemBytes)}
		}
		keyID, err := VerifyAgainstKeyring(manifestBytes, signatureB64, keyring)
		if err != nil {
			invalidateCacheEntry(resolved.ManifestSHA256)
			return nil, err
		}
		resolved.SignatureKeyID = keyID
	}

	manifest, err := ParseManifest(manifestBytes)
	if err != nil {
		return nil, err
	}
	resolved.Manifest = manifest
	return resolved, nil
}

func invalidateCacheEntry(manifestSHA256 string) {
	root, err := cacheRoot()
	if err != nil {
		return
	}
	_ = os.RemoveAll(filepath.Join(root, "manifest-v1", manifestSHA256))
}

// EnsureArchiveCached downloads (or copies) the release archive, verifies its
// sha256 against the manifest, and extracts it into the manifest-addressed
// cache. Returns the archive's top-level directory.
func EnsureArchiveCached(resolved *ResolvedManifest) (string, error) {
	root, err := cacheRoot()
	if err != nil {
		return "", err
	}
	entry := filepath.Join(root, "manifest-v1", resolved.ManifestSHA256)
	extractDir := filepath.Join(entry, "extract")
	readyMarker := filepath.Join(entry, ".ready")

	if _, statErr := os.Stat(readyMarker); statErr == nil {
		if entries, readErr := os.ReadDir(extractDir); readErr == nil {
			for _, dirEntry := range entries {
				if dirEntry.IsDir() {
					return filepath.Join(extractDir, dirEntry.Name()), nil
				}
			}
		}
	}

	if err := os.RemoveAll(entry); err != nil {
		return "", fmt.Errorf("clean cache entry %s: %w", entry, err)
	}
	if err := os.MkdirAll(entry, 0o750); err != nil {
		return "", fmt.Errorf("create cache entry %s: %w", entry, err)
	}

	archivePath := filepath.Join(entry, resolved.Manifest.Archive.Name)
	switch {
	case resolved.baseURL != "":
		data, fetchErr := fetchURLBytes(resolved.baseURL+"/"+resolved.Manifest.Archive.Name, maxArchiveFetch)
		if fetchErr != nil {
			return "", fetchErr
		}
		if writeErr := os.WriteFile(archivePath, data, 0o600); writeErr != nil {
			return "", fmt.Errorf("write cache archive %s: %w", archivePath, writeErr)
		}
	case resolved.baseDir != "":
		local := filepath.Join(resolved.baseDir, resolved.Manifest.Archive.Name)
		info, statErr := os.Stat(local)
		if statErr != nil || !info.Mode().IsRegular() {
			return "", fmt.Errorf("archive not found next to manifest: %s", local)
		}
		// #nosec G304 -- local archive path is next to the operator-provided manifest.
		data, readErr := os.ReadFile(local)
		if readErr != nil {
			return "", fmt.Errorf("read archive %s: %w", local, readErr)
		}
		if writeErr := os.WriteFile(archivePath, data, 0o600); writeErr != nil {
			return "", fmt.Errorf("cache archive %s: %w", archivePath, writeErr)
		}
	default:
		return "", fmt.Errorf("cannot resolve archive location for registry manifest source")
	}

	actualSHA, err := hashx.SHA256File(archivePath)
	if err != nil {
		return "", err
	}
	if actualSHA != resolved.Manifest.Archive.SHA256 {
		return "", fmt.Errorf("archive sha256 mismatch for %s: expected %s, got %s",
			archivePath, resolved.Manifest.Archive.SHA256, actualSHA)
	}

	registryRoot, err := ExtractTarGzSafe(archivePath, extractDir)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(readyMarker, []byte("ok\n"), 0o600); err != nil {
		return "", fmt.Errorf("write cache marker: %w", err)
	}
	return registryRoot, nil
}
