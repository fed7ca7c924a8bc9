// Package sync implements the fetch-and-publish pipeline: resolve the
// upstream reference, download, validate, repack and atomically publish
// the package artifact.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packpulse/packpulse/cache"
	"github.com/packpulse/packpulse/pkginfo"
	"github.com/packpulse/packpulse/registry"
	"github.com/packpulse/packpulse/sched"
	"github.com/packpulse/packpulse/store"
	"github.com/packpulse/packpulse/vcs"
)

// Status is the outcome of one synchronization attempt.
type Status string

const (
	// StatusUpdated means a new artifact was published.
	StatusUpdated Status = "updated"
	// StatusUpToDate means upstream has nothing newer.
	StatusUpToDate Status = "up_to_date"
	// StatusNotFound means upstream has no matching reference.
	StatusNotFound Status = "not_found"
	// StatusFiltered means the package does not claim this server and
	// the source filters packages; the package was removed.
	StatusFiltered Status = "filtered"
	// StatusLocked means another fetch for the slug is in flight.
	StatusLocked Status = "locked"
)

// Result describes what a synchronization attempt did.
type Result struct {
	Slug    string        `json:"slug"`
	Status  Status        `json:"status"`
	Version string        `json:"version,omitempty"`
	Elapsed time.Duration `json:"-"`
}

// ResolverFactory builds a provider client for a source.
type ResolverFactory func(src *registry.Source) (vcs.Resolver, error)

// DefaultFactory maps sources onto real provider clients with the given
// base options.
func DefaultFactory(opts vcs.Options) ResolverFactory {
	return func(src *registry.Source) (vcs.Resolver, error) {
		return vcs.New(src.Provider, src.URL, src.Credentials, src.SelfHosted, opts)
	}
}

// ArtifactKey is the store key of a package's zip artifact.
func ArtifactKey(slug string) string { return "packages/" + slug + ".zip" }

// SignatureKey is the store key of the artifact's detached signature.
func SignatureKey(slug string) string { return ArtifactKey(slug) + ".asc" }

// Synchronizer runs the pipeline. At most one fetch per slug runs at a
// time; concurrent attempts return StatusLocked immediately.
type Synchronizer struct {
	factory   ResolverFactory
	reg       *registry.Registry
	cache     *cache.Cache
	store     store.Store
	signer    *Signer // nil disables artifact signatures
	scheduler *sched.Scheduler // set by RegisterHandlers
	log       *zap.Logger
	tmpDir    string
	serverURL string
	locks     *slugLocks
}

func New(factory ResolverFactory, reg *registry.Registry, c *cache.Cache, st store.Store, signer *Signer, log *zap.Logger, tmpDir, serverURL string) *Synchronizer {
	return &Synchronizer{
		factory:   factory,
		reg:       reg,
		cache:     c,
		store:     st,
		signer:    signer,
		log:       log,
		tmpDir:    tmpDir,
		serverURL: registry.TrailingSlash(strings.ToLower(serverURL)),
		locks:     newSlugLocks(),
	}
}

// Sync fetches the package from its source and publishes it when
// upstream is newer. force republishes even when the version is not.
func (s *Synchronizer) Sync(ctx context.Context, slug string, src *registry.Source, kind string, force bool) (*Result, error) {
	start := time.Now()
	if !s.locks.TryLock(slug) {
		return &Result{Slug: slug, Status: StatusLocked, Elapsed: time.Since(start)}, nil
	}
	defer s.locks.Unlock(slug)

	res, err := s.sync(ctx, slug, src, kind, force)
	elapsed := time.Since(start)
	syncDuration.Observe(elapsed.Seconds())
	if err != nil {
		syncResults.WithLabelValues("error").Inc()
		return nil, err
	}
	res.Elapsed = elapsed
	syncResults.WithLabelValues(string(res.Status)).Inc()
	s.log.Info("sync finished",
		zap.String("slug", slug),
		zap.String("status", string(res.Status)),
		zap.String("version", res.Version),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

func (s *Synchronizer) sync(ctx context.Context, slug string, src *registry.Source, kind string, force bool) (*Result, error) {
	resolver, err := s.factory(src)
	if err != nil {
		return nil, fmt.Errorf("building resolver for %s: %w", slug, err)
	}

	ref, err := resolver.Resolve(ctx, src.Branch)
	if errors.Is(err, vcs.ErrNotFound) {
		return &Result{Slug: slug, Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", slug, err)
	}

	local, _, err := s.Metadata(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !force && local != nil && ref.Version != "" && vcs.Compare(ref.Version, local.Version) <= 0 {
		return &Result{Slug: slug, Status: StatusUpToDate, Version: local.Version}, nil
	}

	// Everything below works in a throwaway directory; any failure
	// leaves the published artifact untouched.
	work := filepath.Join(s.tmpDir, uuid.NewString())
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer os.RemoveAll(work)

	sourceZip := filepath.Join(work, "source.zip")
	if err := s.download(ctx, resolver, ref.DownloadURL, sourceZip); err != nil {
		return nil, fmt.Errorf("downloading %s: %w", slug, err)
	}

	pkgDir, err := s.unpack(sourceZip, work, slug)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", slug, err)
	}

	manifest, err := s.readManifest(pkgDir, slug, ref.Version)
	if err != nil {
		return nil, fmt.Errorf("reading manifest of %s: %w", slug, err)
	}

	if src.FilterPackages && !s.claimsServer(manifest) {
		s.log.Info("package does not claim this server, removing",
			zap.String("slug", slug), zap.String("declared", manifest.Server))
		if err := s.Remove(ctx, slug); err != nil {
			return nil, err
		}
		return &Result{Slug: slug, Status: StatusFiltered}, nil
	}

	if !force && local != nil && vcs.Compare(manifest.Version, local.Version) <= 0 {
		return &Result{Slug: slug, Status: StatusUpToDate, Version: local.Version}, nil
	}

	artifact := filepath.Join(work, slug+".zip")
	if err := createZip(pkgDir, artifact); err != nil {
		return nil, fmt.Errorf("repacking %s: %w", slug, err)
	}

	if err := s.publish(ctx, slug, artifact, manifest, src, kind); err != nil {
		return nil, err
	}
	return &Result{Slug: slug, Status: StatusUpdated, Version: manifest.Version}, nil
}

func (s *Synchronizer) download(ctx context.Context, resolver vcs.Resolver, downloadURL, dest string) error {
	rc, err := resolver.Download(ctx, downloadURL)
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// unpack extracts the source archive, validates the single-root layout
// and renames the root to the slug.
func (s *Synchronizer) unpack(sourceZip, work, slug string) (string, error) {
	root, err := pkginfo.RootDir(sourceZip)
	if err != nil {
		return "", err
	}
	extractDir := filepath.Join(work, "extract")
	if err := extractZip(sourceZip, extractDir); err != nil {
		return "", err
	}
	pkgDir := filepath.Join(extractDir, slug)
	if root != slug {
		if err := os.Rename(filepath.Join(extractDir, root), pkgDir); err != nil {
			return "", fmt.Errorf("renaming %s to %s: %w", root, slug, err)
		}
	}
	return pkgDir, nil
}

// readManifest parses updatepulse.json from the package directory. When
// the file is absent but the resolved reference carries a version, a
// minimal manifest is synthesized and written into the package.
func (s *Synchronizer) readManifest(pkgDir, slug, refVersion string) (*pkginfo.Manifest, error) {
	path := filepath.Join(pkgDir, pkginfo.ManifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if refVersion == "" {
			return nil, fmt.Errorf("package carries no %s and the reference has no version", pkginfo.ManifestName)
		}
		m := &pkginfo.Manifest{Name: slug, Slug: slug, Version: refVersion}
		synthesized, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, synthesized, 0o644); err != nil {
			return nil, fmt.Errorf("writing synthesized manifest: %w", err)
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := pkginfo.Decode(data)
	if err != nil {
		return nil, err
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest has no version")
	}
	if m.Slug == "" {
		m.Slug = slug
	}
	return m, nil
}

func (s *Synchronizer) claimsServer(m *pkginfo.Manifest) bool {
	if m.Server == "" {
		return false
	}
	return registry.TrailingSlash(strings.ToLower(m.Server)) == s.serverURL
}

func (s *Synchronizer) publish(ctx context.Context, slug, artifact string, manifest *pkginfo.Manifest, src *registry.Source, kind string) error {
	// Sign before Put; the local backend consumes the staged file.
	var signature []byte
	if s.signer != nil {
		data, err := os.ReadFile(artifact)
		if err != nil {
			return fmt.Errorf("reading artifact for signing: %w", err)
		}
		signature, err = s.signer.DetachedSign(data)
		if err != nil {
			return fmt.Errorf("signing %s: %w", slug, err)
		}
	}

	digests, err := store.ComputeDigests(artifact)
	if err != nil {
		return err
	}
	key := ArtifactKey(slug)
	if err := s.store.Put(ctx, key, artifact, digests); err != nil {
		return err
	}
	if signature != nil {
		if err := s.store.PutBytes(ctx, SignatureKey(slug), signature, "application/pgp-signature"); err != nil {
			return err
		}
	}

	if err := s.reg.SavePackage(ctx, &registry.Package{
		Slug:      slug,
		Kind:      kind,
		Origin:    registry.OriginVCS,
		SourceKey: src.Key,
		Branch:    src.Branch,
		Version:   manifest.Version,
	}); err != nil {
		return err
	}
	if err := s.reg.Whitelist(ctx, slug, s.store.Backend()); err != nil {
		return err
	}

	if err := s.cache.Clear(ctx, slug); err != nil {
		return err
	}
	if info, err := s.store.Stat(ctx, key); err == nil {
		if encoded, err := manifest.Encode(); err == nil {
			if err := s.cache.Set(ctx, cache.BuildKey(slug, key, info.Size, info.ModTime), encoded); err != nil {
				s.log.Warn("priming metadata cache failed", zap.String("slug", slug), zap.Error(err))
			}
		}
	}
	return nil
}

// Metadata returns the parsed manifest and fingerprint of the published
// artifact, or (nil, nil, nil) when no artifact exists. Cache misses
// re-parse the artifact and refill the cache.
func (s *Synchronizer) Metadata(ctx context.Context, slug string) (*pkginfo.Manifest, *store.Info, error) {
	key := ArtifactKey(slug)
	info, err := s.store.Stat(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	cacheKey := cache.BuildKey(slug, key, info.Size, info.ModTime)
	if data, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		if m, err := pkginfo.Decode(data); err == nil {
			return m, info, nil
		}
	}

	m, err := s.parseArtifact(ctx, slug, key)
	if err != nil {
		return nil, nil, err
	}
	if encoded, err := m.Encode(); err == nil {
		if err := s.cache.Set(ctx, cacheKey, encoded); err != nil {
			s.log.Warn("refilling metadata cache failed", zap.String("slug", slug), zap.Error(err))
		}
	}
	return m, info, nil
}

func (s *Synchronizer) parseArtifact(ctx context.Context, slug, key string) (*pkginfo.Manifest, error) {
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(s.tmpDir, slug+"-*.zip")
	if err != nil {
		return nil, fmt.Errorf("staging artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("staging artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	return pkginfo.FromArchive(tmp.Name(), slug)
}

// VerifySources runs each repository-level source's credential check
// against its provider and returns the URLs that failed, so
// misconfigured credentials surface at startup instead of on the first
// missed check. Owner-level namespaces are skipped; they name no
// concrete repository to probe.
func (s *Synchronizer) VerifySources(ctx context.Context) ([]string, error) {
	sources, err := s.reg.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	var failed []string
	for i := range sources {
		src := &sources[i]
		if ownerLevel(src.URL) {
			continue
		}
		resolver, err := s.factory(src)
		if err != nil {
			s.log.Warn("building resolver for source failed",
				zap.String("url", src.URL), zap.Error(err))
			failed = append(failed, src.URL)
			continue
		}
		if err := resolver.Test(ctx); err != nil {
			s.log.Warn("source credential check failed",
				zap.String("url", src.URL), zap.Error(err))
			failed = append(failed, src.URL)
		}
	}
	return failed, nil
}

// Remove deletes the artifact, its signature, the registry record and
// any cached metadata for a slug.
func (s *Synchronizer) Remove(ctx context.Context, slug string) error {
	if err := s.store.Delete(ctx, ArtifactKey(slug)); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, SignatureKey(slug)); err != nil {
		return err
	}
	if err := s.reg.DeletePackage(ctx, slug); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	return s.cache.Clear(ctx, slug)
}
