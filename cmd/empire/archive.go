package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ivanmolanski/empire/internal/config"
	"github.com/ivanmolanski/empire/internal/memory"
)

const manifestName = "manifest.json"

// archiveManifest is the first entry of every workflow archive. It
// records the exported versions in order, tombstones included, so a
// restore can replay the key's full history.
type archiveManifest struct {
	WorkflowID string               `json:"workflow_id"`
	ScopeKey   string               `json:"scope_key"`
	ExportedAt time.Time            `json:"exported_at"`
	Versions   []memory.VersionInfo `json:"versions"`
}

// runArchive exports one workflow's memory scope to a tar.zst file.
// Sealed stores export plaintext; the archive is meant for settled
// workflows and should be treated as sensitive as the store itself.
func runArchive(args []string) error {
	var workflowID, outPath string
	purge := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --workflow")
			}
			i++
			workflowID = args[i]
		case "--out":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --out")
			}
			i++
			outPath = args[i]
		case "--purge":
			purge = true
		}
	}

	if workflowID == "" || outPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: empire archive --workflow <id> --out <path.tar.zst> [--purge]\n")
		return fmt.Errorf("missing --workflow or --out flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.New(cfg.Memory)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	count, err := exportWorkflow(ctx, store, workflowID, outPath)
	if err != nil {
		return err
	}

	info, _ := os.Stat(outPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Archive complete: %d versions, %s\n", count, formatSize(size))

	if purge {
		removed, err := store.Purge(ctx, workflowScope(workflowID))
		if err != nil {
			return fmt.Errorf("purge workflow %s: %w", workflowID, err)
		}
		fmt.Printf("Purged %d rows from the memory store\n", removed)
	}
	return nil
}

func workflowScope(workflowID string) string {
	return "workflow:" + workflowID
}

// exportWorkflow writes the manifest followed by one entry per live
// version. Tombstones carry no data and exist only in the manifest.
func exportWorkflow(ctx context.Context, store *memory.Store, workflowID, outPath string) (int, error) {
	scope := workflowScope(workflowID)
	infos, err := store.ListVersions(ctx, scope)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, fmt.Errorf("workflow %s has no stored versions", workflowID)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	man := archiveManifest{
		WorkflowID: workflowID,
		ScopeKey:   scope,
		ExportedAt: time.Now().UTC(),
		Versions:   infos,
	}
	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeTarFile(tw, manifestName, manData, man.ExportedAt); err != nil {
		return 0, err
	}

	for _, info := range infos {
		if info.Tombstone {
			continue
		}
		value, err := store.GetVersion(ctx, scope, info.Version)
		if err != nil {
			return 0, fmt.Errorf("read version %d: %w", info.Version, err)
		}
		name := fmt.Sprintf("versions/%d", info.Version)
		if err := writeTarFile(tw, name, value, info.CreatedAt); err != nil {
			return 0, err
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close file: %w", err)
	}

	return len(infos), nil
}

func writeTarFile(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar data %s: %w", name, err)
	}
	return nil
}

func runRestore(args []string) error {
	var inPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--in":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --in")
			}
			i++
			inPath = args[i]
		case "--overwrite":
			overwrite = true
		}
	}

	if inPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: empire restore --in <path.tar.zst> [--overwrite]\n")
		return fmt.Errorf("missing --in flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.New(cfg.Memory)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	scope, restored, err := importArchive(context.Background(), store, inPath, overwrite)
	if err != nil {
		return err
	}
	fmt.Printf("Restore complete: %d versions into %s\n", restored, scope)
	return nil
}

// importArchive replays an archive into the store. The store assigns
// fresh version numbers; only the order of values and tombstones is
// preserved.
func importArchive(ctx context.Context, store *memory.Store, inPath string, overwrite bool) (string, int, error) {
	man, err := readArchiveManifest(inPath)
	if err != nil {
		return "", 0, fmt.Errorf("read manifest: %w", err)
	}

	existing, err := store.ListVersions(ctx, man.ScopeKey)
	if err != nil {
		return "", 0, err
	}
	if len(existing) > 0 && !overwrite {
		return "", 0, fmt.Errorf("scope %s already has %d versions, add --overwrite to append", man.ScopeKey, len(existing))
	}

	f, err := os.Open(inPath)
	if err != nil {
		return "", 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	// First entry is the manifest, already decoded by the pre-scan.
	if _, err := tr.Next(); err != nil {
		return "", 0, fmt.Errorf("read archive: %w", err)
	}

	restored := 0
	next := 0
	replayTombstonesBefore := func(version int64) error {
		for next < len(man.Versions) && man.Versions[next].Version < version {
			if man.Versions[next].Tombstone {
				if _, err := store.Delete(ctx, man.ScopeKey); err != nil {
					return fmt.Errorf("replay tombstone v%d: %w", man.Versions[next].Version, err)
				}
				restored++
			}
			next++
		}
		return nil
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("read tar entry: %w", err)
		}

		version, ok := splitVersionEntry(hdr.Name)
		if !ok {
			continue
		}
		if err := replayTombstonesBefore(version); err != nil {
			return "", 0, err
		}

		value, err := io.ReadAll(tr)
		if err != nil {
			return "", 0, fmt.Errorf("read version %d: %w", version, err)
		}
		if _, err := store.Put(ctx, man.ScopeKey, value); err != nil {
			return "", 0, fmt.Errorf("replay version %d: %w", version, err)
		}
		restored++
		if next < len(man.Versions) && man.Versions[next].Version == version {
			next++
		}
	}

	// Tombstones recorded after the last live version.
	if err := replayTombstonesBefore(1 << 62); err != nil {
		return "", 0, err
	}

	return man.ScopeKey, restored, nil
}

// readArchiveManifest decodes the manifest without extracting version
// data. The manifest is always the archive's first entry.
func readArchiveManifest(path string) (*archiveManifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if hdr.Name != manifestName {
		return nil, fmt.Errorf("archive starts with %q, want %s", hdr.Name, manifestName)
	}

	var man archiveManifest
	if err := json.NewDecoder(tr).Decode(&man); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if man.ScopeKey == "" {
		return nil, fmt.Errorf("manifest has no scope key")
	}
	return &man, nil
}

// splitVersionEntry extracts the version number from an entry name
// like "versions/42". Anything else reports ok=false.
func splitVersionEntry(name string) (int64, bool) {
	name = strings.TrimLeft(name, "./")
	rest, ok := strings.CutPrefix(name, "versions/")
	if !ok || rest == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
