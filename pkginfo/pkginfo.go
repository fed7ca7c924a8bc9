// Package pkginfo reads package metadata out of published zip artifacts.
//
// Every artifact is a zip archive with exactly one top-level directory
// named after the package slug, carrying an updatepulse.json manifest at
// its root.
package pkginfo

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ManifestName is the manifest file expected at the package root.
const ManifestName = "updatepulse.json"

var (
	// ErrInvalidLayout means the archive does not contain exactly one
	// top-level directory.
	ErrInvalidLayout = errors.New("pkginfo: archive must contain exactly one top-level directory")
	// ErrNoManifest means the archive has no readable manifest.
	ErrNoManifest = errors.New("pkginfo: manifest not found")
)

// Manifest is the parsed package metadata blob. It is what the metadata
// cache stores and what the update API returns to clients.
type Manifest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Version     string `json:"version"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	License     string `json:"license,omitempty"`
	RequiresPHP string `json:"requires_php,omitempty"`
	// Server is the update server this package declares linkage to. Sources
	// with filter_packages enabled only accept packages claiming them.
	Server string `json:"server,omitempty"`
}

// RootDir returns the single top-level directory of a zip archive, or
// ErrInvalidLayout when there are zero or several.
func RootDir(zipPath string) (string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("pkginfo: opening %s: %w", zipPath, err)
	}
	defer zr.Close()
	return rootDir(&zr.Reader)
}

func rootDir(zr *zip.Reader) (string, error) {
	root := ""
	for _, f := range zr.File {
		name := strings.TrimPrefix(f.Name, "./")
		top, rest, found := strings.Cut(name, "/")
		if top == "" {
			continue
		}
		// A bare file at the archive root breaks the single-directory rule.
		if !found && !f.FileInfo().IsDir() {
			return "", ErrInvalidLayout
		}
		_ = rest
		if root == "" {
			root = top
		} else if root != top {
			return "", ErrInvalidLayout
		}
	}
	if root == "" {
		return "", ErrInvalidLayout
	}
	return root, nil
}

// FromArchive parses the manifest of a published artifact. The archive's
// single top-level directory must match slug.
func FromArchive(zipPath, slug string) (*Manifest, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("pkginfo: opening %s: %w", zipPath, err)
	}
	defer zr.Close()

	root, err := rootDir(&zr.Reader)
	if err != nil {
		return nil, err
	}
	if root != slug {
		return nil, fmt.Errorf("pkginfo: archive root %q does not match slug %q: %w", root, slug, ErrInvalidLayout)
	}

	for _, f := range zr.File {
		if strings.TrimPrefix(f.Name, "./") != root+"/"+ManifestName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("pkginfo: opening manifest: %w", err)
		}
		defer rc.Close()
		return decode(rc, slug)
	}
	return nil, ErrNoManifest
}

func decode(r io.Reader, slug string) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("pkginfo: decoding manifest: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("pkginfo: manifest for %q has no version", slug)
	}
	if m.Slug == "" {
		m.Slug = slug
	}
	if m.Name == "" {
		m.Name = slug
	}
	return &m, nil
}

// Encode serializes a manifest for cache storage.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode restores a cached manifest.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pkginfo: decoding cached manifest: %w", err)
	}
	return &m, nil
}
