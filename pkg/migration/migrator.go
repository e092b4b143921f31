package migration

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"k8s.io/klog/v2"

	"github.com/opensandbox/sandboxd/pkg/sandbox"
)

const (
	// defaultMarkerPath holds the zero-byte startup marker. It lives under
	// /tmp, which the snapshot walk excludes, so the marker itself never
	// appears in a delta.
	defaultMarkerPath = "/tmp/.sandboxd-startup-marker"

	// aptHistoryLog is where apt records install transactions since image
	// build.
	aptHistoryLog = "/var/log/apt/history.log"

	// baselineFreezePath is the pip freeze of the base image, captured at
	// image-build time.
	baselineFreezePath = "/etc/sandboxd/baseline-freeze.txt"

	restoreTimeout = 5 * time.Minute
	freezeTimeout  = 60 * time.Second
)

// Migrator implements checkpoint and restore of the user-produced delta:
// files changed since the startup marker plus packages installed since image
// build. It satisfies the sandbox package's Migrator interface.
type Migrator struct {
	cfg    sandbox.Config
	runner *sandbox.Runner
	store  Store

	scanRoot       string
	markerPath     string
	aptHistoryPath string
	baselinePath   string

	// bootTime predates any restore extraction, so a marker backdated to it
	// keeps restored files inside the next checkpoint's delta.
	bootTime time.Time
}

// New builds a Migrator over the given store. runner supplies the curated
// subprocess environment for the package-manager invocations.
func New(cfg sandbox.Config, runner *sandbox.Runner, store Store) *Migrator {
	return &Migrator{
		cfg:            cfg,
		runner:         runner,
		store:          store,
		scanRoot:       "/",
		markerPath:     defaultMarkerPath,
		aptHistoryPath: aptHistoryLog,
		baselinePath:   baselineFreezePath,
		bootTime:       time.Now(),
	}
}

// WriteStartupMarker (re)creates the startup marker, backdated to the boot
// timestamp captured before any restore extraction began. Called by the
// Lifecycle Controller at the end of every startup, restored or not, so that
// restored user files remain part of the next checkpoint's delta.
func (m *Migrator) WriteStartupMarker() error {
	return writeMarker(m.markerPath, m.bootTime)
}

// Checkpoint snapshots the delta to the external store: changed files and
// the package manifest are computed in parallel, then the tarball and
// manifest are uploaded under their fixed keys.
func (m *Migrator) Checkpoint(ctx context.Context) error {
	since, ok := markerTime(m.markerPath)
	if !ok {
		klog.Warningf("startup marker %s missing, snapshotting since boot", m.markerPath)
		since = m.bootTime
	}

	var (
		wg sync.WaitGroup

		paths     []string
		totalSize int64
		filesErr  error

		aptPkgs []string
		pipPkgs []string
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		paths, totalSize, filesErr = findChangedFiles(m.scanRoot, since, m.excludes())
	}()
	go func() {
		defer wg.Done()
		aptPkgs, pipPkgs = m.collectPackages(ctx)
	}()
	wg.Wait()

	if filesErr != nil {
		return fmt.Errorf("find changed files: %w", filesErr)
	}

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        time.Now().UTC(),
		RunID:            uuid.NewString(),
		StartupTimestamp: since.UTC(),
		Packages:         Packages{Apt: aptPkgs, Pip: pipPkgs},
		ChangedFiles:     ChangedFiles{Count: len(paths), TotalSize: totalSize, Paths: paths},
	}

	tarball, err := buildTarball(paths)
	if err != nil {
		return fmt.Errorf("build tarball: %w", err)
	}

	if err := m.store.PutTarball(ctx, tarball); err != nil {
		return fmt.Errorf("upload tarball: %w", err)
	}
	if err := m.store.PutManifest(ctx, manifest); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}

	klog.Infof("migration checkpoint: %d changed files (%d bytes), %d apt packages, %d pip packages",
		len(paths), totalSize, len(aptPkgs), len(pipPkgs))
	return nil
}

// Restore loads a prior snapshot. found=false with a nil error means no
// manifest exists and the caller should run a normal install instead.
// Package re-installation failures are logged but do not abort the restore:
// the base image plus whatever did restore is still a usable sandbox.
func (m *Migrator) Restore(ctx context.Context) (bool, error) {
	manifest, err := m.store.GetManifest(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read manifest: %w", err)
	}

	klog.Infof("migration manifest found (created %s, run %s): %d files, %d apt packages, %d pip packages",
		manifest.CreatedAt.Format(time.RFC3339), manifest.RunID,
		manifest.ChangedFiles.Count, len(manifest.Packages.Apt), len(manifest.Packages.Pip))

	// A zero-file snapshot uploads an empty byte blob, which tar cannot
	// parse; skip extraction entirely in that case.
	if manifest.ChangedFiles.Count > 0 {
		tarball, err := m.store.GetTarball(ctx)
		if err != nil {
			return false, fmt.Errorf("download tarball: %w", err)
		}
		if err := extractTarball(tarball, m.scanRoot); err != nil {
			return false, fmt.Errorf("extract tarball: %w", err)
		}
	}

	m.reinstallApt(ctx, manifest.Packages.Apt)
	m.reinstallPip(ctx, manifest.Packages.Pip)
	m.reinstallNode(ctx)

	return true, nil
}

func (m *Migrator) excludes() []string {
	exclude := make([]string, 0, len(excludedPrefixes)+2)
	exclude = append(exclude, excludedPrefixes...)
	exclude = append(exclude, m.cfg.NodeModules(), m.cfg.PyVenv())
	return exclude
}

func (m *Migrator) collectPackages(ctx context.Context) (apt []string, pip []string) {
	apt, err := aptInstalledPackages(m.aptHistoryPath)
	if err != nil {
		klog.Errorf("collect apt packages: %v", err)
	}

	res, err := m.runner.Run(ctx, m.cfg.PyVenv()+"/bin/pip freeze", m.cfg.PyWorkspace(), freezeTimeout)
	if err != nil || res.ExitCode != 0 {
		klog.Errorf("pip freeze failed: err=%v exitCode=%d stderr=%s", err, res.ExitCode, res.Stderr)
		return apt, nil
	}

	baseline, err := os.ReadFile(m.baselinePath)
	if err != nil && !os.IsNotExist(err) {
		klog.Errorf("read baseline freeze %s: %v", m.baselinePath, err)
	}
	return apt, diffFreeze(res.Stdout, string(baseline))
}

func (m *Migrator) reinstallApt(ctx context.Context, packages []string) {
	if len(packages) == 0 {
		return
	}
	cmd := "apt-get update && apt-get install -y " + strings.Join(packages, " ")
	res, err := m.runner.Run(ctx, cmd, m.scanRoot, restoreTimeout)
	if err != nil || res.ExitCode != 0 {
		klog.Errorf("apt reinstall failed: err=%v exitCode=%d stderr=%s", err, res.ExitCode, res.Stderr)
	}
}

func (m *Migrator) reinstallPip(ctx context.Context, specs []string) {
	if len(specs) == 0 {
		return
	}
	reqFile := filepath.Join(os.TempDir(), fmt.Sprintf("restore-requirements-%s.txt", uuid.NewString()))
	if err := os.WriteFile(reqFile, []byte(strings.Join(specs, "\n")+"\n"), 0o644); err != nil {
		klog.Errorf("write restore requirements: %v", err)
		return
	}
	defer os.Remove(reqFile)

	cmd := fmt.Sprintf("%s/bin/pip install -r %s", m.cfg.PyVenv(), reqFile)
	res, err := m.runner.Run(ctx, cmd, m.cfg.PyWorkspace(), restoreTimeout)
	if err != nil || res.ExitCode != 0 {
		klog.Errorf("pip reinstall failed: err=%v exitCode=%d stderr=%s", err, res.ExitCode, res.Stderr)
	}
}

func (m *Migrator) reinstallNode(ctx context.Context) {
	pkgJSON := filepath.Join(m.cfg.JSWorkspace(), "package.json")
	if _, err := os.Stat(pkgJSON); err != nil {
		return
	}
	res, err := m.runner.Run(ctx, "npm install", m.cfg.JSWorkspace(), restoreTimeout)
	if err != nil || res.ExitCode != 0 {
		klog.Errorf("npm reinstall failed: err=%v exitCode=%d stderr=%s", err, res.ExitCode, res.Stderr)
	}
}

// buildTarball produces a gzipped POSIX tar of the given absolute paths,
// preserving permissions and ownership. An empty path set yields an empty
// blob, never a valid-but-empty archive.
func buildTarball(paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, path := range paths {
		if err := addTarEntry(tw, path); err != nil {
			// The file may have vanished between the scan and the archive
			// pass; drop it from the snapshot rather than failing shutdown.
			klog.Warningf("tar entry %s: %v", path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func addTarEntry(tw *tar.Writer, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = strings.TrimPrefix(path, "/")
	hdr.Format = tar.FormatPAX
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		hdr.Uid = int(st.Uid)
		hdr.Gid = int(st.Gid)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return nil
}

// extractTarball unpacks a checkpoint tarball at root with last-writer-wins
// semantics: existing files are overwritten, nothing is removed. Entries
// that would escape root are rejected.
func extractTarball(data []byte, root string) error {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		clean := filepath.Clean(hdr.Name)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("tar entry %q escapes extraction root", hdr.Name)
		}
		target := filepath.Join(root, clean)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, hdr, target); err != nil {
				return err
			}
		default:
			klog.V(2).Infof("skipping tar entry %s of type %d", hdr.Name, hdr.Typeflag)
		}
	}
}

func extractFile(tr *tar.Reader, hdr *tar.Header, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", target, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Chown(target, hdr.Uid, hdr.Gid); err != nil {
		klog.V(2).Infof("chown %s: %v", target, err)
	}
	return nil
}
