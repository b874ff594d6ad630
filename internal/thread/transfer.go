package thread

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/orchestrator"
	"github.com/coderelay/coderelay/internal/store"
)

// Package file names. A package directory is named after its thread id.
const (
	manifestFile = "manifest.json"
	sessionFile  = "session.jsonl"
	indexFile    = "index.json"
)

const hashWorkers = 4

// Manifest describes an exported thread package.
type Manifest struct {
	ThreadID       string    `json:"threadId"`
	Name           string    `json:"name,omitempty"`
	ProjectPath    string    `json:"projectPath"`
	Model          string    `json:"model,omitempty"`
	ApprovalPolicy string    `json:"approvalPolicy,omitempty"`
	Sandbox        string    `json:"sandbox,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExportedAt     time.Time `json:"exportedAt"`
	EventCount     int       `json:"eventCount"`
	ItemCount      int       `json:"itemCount"`
	ImportedFrom   string    `json:"importedFrom,omitempty"`
}

// IndexEntry is one file's checksum in a package index.
type IndexEntry struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256"`
}

// PackageIndex lists the checksums of a package's files.
type PackageIndex struct {
	Entries []IndexEntry `json:"entries"`
}

// ExportResult reports a written package.
type ExportResult struct {
	ThreadID    string `json:"threadId"`
	PackagePath string `json:"packagePath"`
	EventCount  int    `json:"eventCount"`
}

// ImportResult reports an imported package.
type ImportResult struct {
	SourceThreadID string `json:"sourceThreadId"`
	TargetThreadID string `json:"targetThreadId"`
	PackagePath    string `json:"packagePath"`
	EventCount     int    `json:"eventCount"`
}

// Export writes a self-contained package for the thread under
// <exportDir>/<threadId>/: manifest, session file, and checksum index.
// Re-exporting a thread overwrites its own package.
func (s *Service) Export(ctx context.Context, threadID string) (*ExportResult, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	projection, err := s.allThreadEvents(ctx, threadID)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.cfg.Transfer.ExportDir, thread.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create package dir: %w", err)
	}

	manifest := Manifest{
		ThreadID:       thread.ID,
		Name:           thread.Name,
		ProjectPath:    thread.ProjectPath,
		Model:          thread.Model,
		ApprovalPolicy: thread.ApprovalPolicy,
		Sandbox:        thread.Sandbox,
		CreatedAt:      thread.CreatedAt,
		ExportedAt:     time.Now().UTC(),
		EventCount:     len(projection),
		ItemCount:      countItems(projection),
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifestData, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sessionFile), encodeSession(projection), 0o644); err != nil {
		return nil, fmt.Errorf("write session: %w", err)
	}

	indexData, err := buildIndex(dir, manifestFile, sessionFile)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, indexFile), indexData, 0o644); err != nil {
		return nil, fmt.Errorf("write index: %w", err)
	}

	s.log.Info("thread exported",
		zap.String("thread_id", thread.ID),
		zap.String("package", dir),
		zap.Int("events", len(projection)))
	return &ExportResult{ThreadID: thread.ID, PackagePath: dir, EventCount: len(projection)}, nil
}

// Import creates a new thread from a package. The thread gets a fresh id,
// the old id is rewritten throughout the session content (matching is
// case-insensitive), and the rewritten package is written under the new id
// without overwriting anything that already exists.
func (s *Service) Import(ctx context.Context, packagePath string) (*ImportResult, error) {
	dir := normalizeSlashes(packagePath)

	manifest, err := readManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, errors.BadRequest(fmt.Sprintf("read package manifest: %v", err))
	}
	if manifest.ThreadID == "" {
		return nil, errors.BadRequest("package manifest has no thread id")
	}
	sessionData, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return nil, errors.BadRequest(fmt.Sprintf("read package session: %v", err))
	}
	if err := verifyIndex(dir); err != nil {
		return nil, errors.ValidationError("package", err.Error())
	}

	projectPath, err := s.projects.Validate(normalizeSlashes(manifest.ProjectPath))
	if err != nil {
		return nil, err
	}

	targetID := uuid.New().String()
	rewritten := rewriteThreadID(sessionData, manifest.ThreadID, targetID)
	projection, err := decodeSession(rewritten, targetID)
	if err != nil {
		return nil, errors.BadRequest(fmt.Sprintf("parse package session: %v", err))
	}

	thread := &store.Thread{
		ID:             targetID,
		Name:           manifest.Name,
		ProjectPath:    projectPath,
		Model:          manifest.Model,
		ApprovalPolicy: manifest.ApprovalPolicy,
		Sandbox:        manifest.Sandbox,
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceThreadEvents(ctx, targetID, projection); err != nil {
		return nil, err
	}

	target := manifest
	target.ThreadID = targetID
	target.ImportedFrom = manifest.ThreadID
	target.ExportedAt = time.Now().UTC()
	targetDir := filepath.Join(s.cfg.Transfer.ExportDir, targetID)
	if err := writePackage(targetDir, target, rewritten); err != nil {
		return nil, err
	}

	s.log.Info("thread imported",
		zap.String("source_thread_id", manifest.ThreadID),
		zap.String("thread_id", targetID),
		zap.Int("events", len(projection)))
	return &ImportResult{
		SourceThreadID: manifest.ThreadID,
		TargetThreadID: targetID,
		PackagePath:    targetDir,
		EventCount:     len(projection),
	}, nil
}

func (s *Service) allThreadEvents(ctx context.Context, threadID string) ([]*store.ThreadEvent, error) {
	var all []*store.ThreadEvent
	after := int64(-1)
	for {
		page, hasMore, err := s.store.ListThreadEvents(ctx, threadID, after, 500)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !hasMore || len(page) == 0 {
			return all, nil
		}
		after = page[len(page)-1].Seq
	}
}

func encodeSession(events []*store.ThreadEvent) []byte {
	var buf bytes.Buffer
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func decodeSession(data []byte, threadID string) ([]*store.ThreadEvent, error) {
	var events []*store.ThreadEvent
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var event store.ThreadEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("session line %d: %w", i+1, err)
		}
		event.ThreadID = threadID
		events = append(events, &event)
	}
	return events, nil
}

func countItems(events []*store.ThreadEvent) int {
	n := 0
	for _, event := range events {
		if event.Type == orchestrator.EnvelopeItemCompleted {
			n++
		}
	}
	return n
}

// buildIndex hashes the named package files concurrently and returns the
// encoded index, the session entry appended after the manifest's.
func buildIndex(dir string, files ...string) ([]byte, error) {
	sums := make([]string, len(files))
	var g errgroup.Group
	g.SetLimit(hashWorkers)
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			sum, err := hashFile(filepath.Join(dir, name))
			if err != nil {
				return err
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hash package files: %w", err)
	}

	index := PackageIndex{}
	for i, name := range files {
		index.Entries = append(index.Entries, IndexEntry{File: name, SHA256: sums[i]})
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return data, nil
}

func verifyIndex(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		return fmt.Errorf("read package index: %w", err)
	}
	var index PackageIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("parse package index: %w", err)
	}
	for _, entry := range index.Entries {
		if entry.File == indexFile {
			continue
		}
		sum, err := hashFile(filepath.Join(dir, entry.File))
		if err != nil {
			return fmt.Errorf("hash %s: %w", entry.File, err)
		}
		if !strings.EqualFold(sum, entry.SHA256) {
			return fmt.Errorf("checksum mismatch for %s", entry.File)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readManifest(path string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, err
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func rewriteThreadID(data []byte, oldID, newID string) []byte {
	pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(oldID))
	return pattern.ReplaceAll(data, []byte(newID))
}

func writePackage(dir string, manifest Manifest, sessionData []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileExclusive(filepath.Join(dir, manifestFile), manifestData); err != nil {
		return err
	}
	if err := writeFileExclusive(filepath.Join(dir, sessionFile), sessionData); err != nil {
		return err
	}
	indexData, err := buildIndex(dir, manifestFile, sessionFile)
	if err != nil {
		return err
	}
	return writeFileExclusive(filepath.Join(dir, indexFile), indexData)
}

// writeFileExclusive refuses to overwrite an existing file.
func writeFileExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return errors.BadRequest(fmt.Sprintf("refusing to overwrite %s", path))
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("write %s: %w", path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", path, cerr)
	}
	return nil
}

func normalizeSlashes(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}
