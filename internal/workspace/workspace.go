// Package workspace implements engine.WorkspaceContext: the editor-surface
// adapter that feeds workspace metadata, pinned files, selection references
// and environment details into the composed system instruction.
package workspace

import (
	_ "embed"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/symbloop/internal/filesearch"
	"github.com/xonecas/symbloop/internal/lsp"
	"github.com/xonecas/symbloop/internal/treesitter"
)

//go:embed base_prompt.md
var basePromptMD string

const maxFileTreeEntries = 300

// moduleBlock renders one system-instruction module under the
// "====\n\n<TITLE>\n\n" marker the engine's splitModules (used for the
// debug/UI ContextSnapshot) segments on.
func moduleBlock(title, body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	return "====\n\n" + title + "\n\n" + strings.TrimSpace(body)
}

func joinModules(blocks...string) string {
	var kept []string
	for _, b := range blocks {
		if b != "" {
			kept = append(kept, b)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Workspace implements engine.WorkspaceContext over a single repository
// root, composing the tree-sitter symbol index, gitignore-aware file
// search, and an LSP manager the same way cmd/symb/main.go wires them.
type Workspace struct {
	RootDir string
	ModelID string

	TSIndex *treesitter.Index
	LSP *lsp.Manager
	Searcher *filesearch.Searcher

	mu sync.Mutex
	cachedPrompt string
	haveCached bool
	pinnedFiles []string
}

// New constructs a Workspace rooted at root. tsIndex and lspMgr may be nil;
// a nil tsIndex omits the symbol outline section. No prompt section reads
// lspMgr.
func New(root string, tsIndex *treesitter.Index, lspMgr *lsp.Manager) (*Workspace, error) {
	searcher, err := filesearch.NewSearcher(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: new searcher: %w", err)
	}
	return &Workspace{RootDir: root, TSIndex: tsIndex, LSP: lspMgr, Searcher: searcher}, nil
}

// BaseSystemPrompt implements engine.BaseSystemPromptProvider. The composed prompt is cached; forceRefresh rebuilds it, picking up
// AGENTS.md edits and tree-sitter index changes made since the cache was
// last filled.
func (w *Workspace) BaseSystemPrompt(forceRefresh bool) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.haveCached && !forceRefresh {
		return w.cachedPrompt
	}

	sections := []string{strings.TrimSpace(basePromptMD)}

	if agents := w.loadAgentInstructions(); agents != "" {
		sections = append(sections, moduleBlock("Project instructions", agents))
	}
	if outline := w.symbolOutline(); outline != "" {
		sections = append(sections, moduleBlock("Project symbols", outline))
	}
	if tree := w.fileTreeBlock(); tree != "" {
		sections = append(sections, moduleBlock("Workspace files", tree))
	}
	sections = append(sections, moduleBlock("Environment", w.environmentBlock()))

	w.cachedPrompt = joinModules(sections...)
	w.haveCached = true
	return w.cachedPrompt
}

func (w *Workspace) symbolOutline() string {
	if w.TSIndex == nil {
		return ""
	}
	return treesitter.FormatOutline(w.TSIndex.Snapshot())
}

func (w *Workspace) fileTreeBlock() string {
	if w.Searcher == nil {
		return ""
	}
	results, err := w.Searcher.Search(context.Background(), filesearch.Options{
			RootDir: w.RootDir,
			MaxResults: maxFileTreeEntries,
		})
	if err != nil {
		log.Warn().Err(err).Msg("workspace: file tree search failed")
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.Path
	}
	sort.Strings(paths)
	suffix := ""
	if len(paths) == maxFileTreeEntries {
		suffix = "\n... (truncated)"
	}
	return strings.Join(paths, "\n") + suffix
}

func (w *Workspace) environmentBlock() string {
	cwd := w.RootDir
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	return fmt.Sprintf("Working directory: %s\nOS/Arch: %s/%s\nDate: %s",
		cwd, runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02"))
}

// loadAgentInstructions searches for AGENTS.md files from RootDir up to the
// filesystem root, then the user config directory, concatenating them with
// project-level instructions taking precedence.
func (w *Workspace) loadAgentInstructions() string {
	var instructions []string

	dir := w.RootDir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	for {
		path := filepath.Join(dir, "AGENTS.md")
		if content := readFileIfExists(path); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "symbloop", "AGENTS.md")
		if content := readFileIfExists(path); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
		}
	}

	// Reverse: appended last (root-most/user-level) should read first,
	// project-level (appended first) takes precedence by reading last.
	for i, j := 0, len(instructions)-1; i < j; i, j = i+1, j-1 {
		instructions[i], instructions[j] = instructions[j], instructions[i]
	}
	return strings.Join(instructions, "\n\n")
}

func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// --- Pinned files ---

// SetPinnedFiles replaces the pinned-file set, persisted by the CLI host
// under customMetadata's "pinnedPrompt" key across restarts.
func (w *Workspace) SetPinnedFiles(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pinnedFiles = append([]string(nil), paths...)
}

// PinnedFiles returns the current pinned-file set.
func (w *Workspace) PinnedFiles() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.pinnedFiles...)
}

// PinnedPromptBlock implements engine.WorkspaceContext: renders the full
// content of every pinned file.
func (w *Workspace) PinnedPromptBlock() string {
	paths := w.PinnedFiles()
	if len(paths) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range paths {
		content, err := w.readRelative(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("workspace: pinned file unreadable")
			continue
		}
		fmt.Fprintf(&sb, "%s\n```\n%s\n```\n\n", p, content)
	}
	return moduleBlock("Pinned files", sb.String())
}

// SelectionReferencesBlock implements engine.WorkspaceContext: resolves
// each reference (either a bare "path" or a "path:startLine-endLine"
// editor-selection range, 1-indexed inclusive) to its content.
func (w *Workspace) SelectionReferencesBlock(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, ref := range refs {
		path, start, end := parseSelectionRef(ref)
		content, err := w.readRelative(path)
		if err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("workspace: selection reference unreadable")
			continue
		}
		if start > 0 {
			content = sliceLines(content, start, end)
		}
		fmt.Fprintf(&sb, "%s\n```\n%s\n```\n\n", ref, content)
	}
	return moduleBlock("Selection references", sb.String())
}

func (w *Workspace) readRelative(relPath string) (string, error) {
	abs := relPath
	if !filepath.IsAbs(relPath) {
		abs = filepath.Join(w.RootDir, relPath)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseSelectionRef splits "path:12-34" into ("path", 12, 34). A bare path
// or an unparsable suffix yields (ref, 0, 0) meaning "whole file".
func parseSelectionRef(ref string) (path string, start, end int) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return ref, 0, 0
	}
	rangePart := ref[idx+1:]
	dash := strings.Index(rangePart, "-")
	if dash < 0 {
		return ref, 0, 0
	}
	s, errS := strconv.Atoi(rangePart[:dash])
	e, errE := strconv.Atoi(rangePart[dash+1:])
	if errS != nil || errE != nil || s <= 0 || e < s {
		return ref, 0, 0
	}
	return ref[:idx], s, e
}

func sliceLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	if start > len(lines) {
		return ""
	}
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start-1:end], "\n")
}
