package migration

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// excludedPrefixes are subtrees never included in a file snapshot: virtual
// filesystems, caches, and the dpkg database (packages are restored from the
// apt install history instead, so carrying the database would only fight
// the package manager at restore time).
var excludedPrefixes = []string{
	"/proc",
	"/sys",
	"/dev",
	"/run",
	"/tmp",
	"/var/cache/apt",
	"/var/lib/apt/lists",
	"/var/lib/dpkg",
}

// findChangedFiles enumerates regular files under root, on root's device,
// modified strictly after since, skipping excluded prefixes. Per-entry stat
// failures are logged and skipped, never fatal: a file that vanished mid-walk
// just drops out of the delta.
func findChangedFiles(root string, since time.Time, exclude []string) ([]string, int64, error) {
	rootInfo, err := os.Stat(root)
	if err != nil {
		return nil, 0, fmt.Errorf("stat snapshot root %s: %w", root, err)
	}
	rootDev := deviceOf(rootInfo)

	var paths []string
	var totalSize int64

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			klog.V(2).Infof("snapshot walk %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		for _, prefix := range exclude {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			klog.V(2).Infof("snapshot stat %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if deviceOf(info) != rootDev {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if deviceOf(info) != rootDev {
			return nil
		}
		if !info.ModTime().After(since) {
			return nil
		}

		paths = append(paths, path)
		totalSize += info.Size()
		return nil
	})
	if walkErr != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", root, walkErr)
	}
	return paths, totalSize, nil
}

func deviceOf(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}

// parseAptHistory collects package names from the Install: lines of an apt
// history log. The reconstruction is approximate (implicit dependencies are
// included, removals are not tracked), which is fine for additive
// restore-on-top-of-base-image semantics.
func parseAptHistory(r *bufio.Scanner) []string {
	seen := map[string]bool{}
	var packages []string
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if !strings.HasPrefix(line, "Install:") {
			continue
		}
		entries := strings.TrimSpace(strings.TrimPrefix(line, "Install:"))
		// Entries look like "pkg:arch (version, automatic), pkg2:arch (version)".
		for _, entry := range strings.Split(entries, "),") {
			entry = strings.TrimSpace(strings.TrimSuffix(entry, ")"))
			if entry == "" {
				continue
			}
			name := entry
			if i := strings.IndexAny(name, ": ("); i >= 0 {
				name = name[:i]
			}
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			packages = append(packages, name)
		}
	}
	return packages
}

// aptInstalledPackages parses historyPath into the list of packages apt
// installed since image build. A missing log means no installs.
func aptInstalledPackages(historyPath string) ([]string, error) {
	f, err := os.Open(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open apt history %s: %w", historyPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	packages := parseAptHistory(scanner)
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan apt history %s: %w", historyPath, err)
	}
	return packages, nil
}

// diffFreeze subtracts the baseline freeze from the current freeze output,
// keeping the current spec lines (name==version) of packages the user added.
// Matching is by canonical distribution name only, so a baseline package
// whose version the user changed counts as baseline and is not kept.
func diffFreeze(current, baseline string) []string {
	base := map[string]bool{}
	for _, line := range splitFreezeLines(baseline) {
		base[canonicalPipName(line)] = true
	}

	var added []string
	for _, line := range splitFreezeLines(current) {
		if !base[canonicalPipName(line)] {
			added = append(added, line)
		}
	}
	return added
}

func splitFreezeLines(text string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// canonicalPipName lowercases the distribution name of a freeze line and
// folds underscores and dots to dashes, per the normalization pip itself
// applies when comparing names.
func canonicalPipName(spec string) string {
	name := spec
	for _, sep := range []string{"==", ">=", "<=", "~=", "!=", " @ ", "@", "==="} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	return name
}
