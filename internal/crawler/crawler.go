// Package crawler discovers interview recordings under the configured data
// roots and registers them in the state store. Crawling is idempotent: a
// second pass over an unchanged tree registers nothing, and a changed raw
// file resets the interview's stage runs for reprocessing.
package crawler

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"avqc/internal/config"
	"avqc/internal/fingerprint"
	"avqc/internal/logging"
	"avqc/internal/stages"
	"avqc/internal/store"
)

// Stats summarizes one crawl pass.
type Stats struct {
	RootsScanned      int
	FilesSeen         int
	InterviewsCreated int
	FilesRegistered   int
	ChangedInterviews int
	SkippedErrors     int
}

// subjectDirPattern matches study subject directories, e.g. AB01234.
var subjectDirPattern = regexp.MustCompile(`^[A-Z]{2}\d{5}$`)

// dayDirPattern extracts the collection day from session directory names
// like day-0003 or day_12.
var dayDirPattern = regexp.MustCompile(`(?i)day[-_]?(\d+)`)

// Crawler walks data roots and feeds discoveries into the store.
type Crawler struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger
	graph  []stages.Definition
}

// New builds a crawler over the given configuration and store.
func New(cfg *config.Config, st *store.Store, graph []stages.Definition, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Crawler{cfg: cfg, store: st, logger: logger, graph: graph}
}

// Crawl walks every configured data root. An unreadable root fails the
// whole pass; individual unreadable files or directories below a root are
// logged and skipped.
func (c *Crawler) Crawl(ctx context.Context) (Stats, error) {
	var stats Stats
	logger := logging.WithContext(ctx, c.logger)

	stageNames := make([]string, len(c.graph))
	for i, def := range c.graph {
		stageNames[i] = def.Name
	}

	for _, root := range c.cfg.Study.DataRoots {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := c.crawlRoot(ctx, root, stageNames, &stats); err != nil {
			return stats, fmt.Errorf("crawl %s: %w", root, err)
		}
		stats.RootsScanned++
	}

	logger.Info("crawl finished",
		logging.String(logging.FieldEventType, "crawl_complete"),
		logging.Int("roots", stats.RootsScanned),
		logging.Int("files_seen", stats.FilesSeen),
		logging.Int("interviews_created", stats.InterviewsCreated),
		logging.Int("files_registered", stats.FilesRegistered),
		logging.Int("changed", stats.ChangedInterviews),
		logging.Int("skipped", stats.SkippedErrors),
	)
	return stats, nil
}

func (c *Crawler) crawlRoot(ctx context.Context, root string, stageNames []string, stats *Stats) error {
	logger := logging.WithContext(ctx, c.logger)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("skipping unreadable path", logging.String("path", path), logging.Error(err))
			stats.SkippedErrors++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		stats.FilesSeen++
		if !c.matchesRecording(d.Name()) {
			return nil
		}

		if regErr := c.register(ctx, root, path, stageNames, stats); regErr != nil {
			logger.Warn("skipping file", logging.String("path", path), logging.Error(regErr))
			stats.SkippedErrors++
		}
		return nil
	})
	return walkErr
}

// matchesRecording checks the filename against the configured video and
// audio glob rules.
func (c *Crawler) matchesRecording(name string) bool {
	for _, pattern := range c.cfg.Crawler.VideoGlobs {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	for _, pattern := range c.cfg.Crawler.AudioGlobs {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (c *Crawler) register(ctx context.Context, root, path string, stageNames []string, stats *Stats) error {
	subject, day, err := identityFromPath(root, path)
	if err != nil {
		return err
	}

	study := c.cfg.Study.ID
	name := interviewName(study, subject, day, path)

	iv, created, err := c.store.RegisterInterview(ctx, study, subject, day, name, filepath.Dir(path), stageNames)
	if err != nil {
		return err
	}
	if created {
		stats.InterviewsCreated++
		logging.WithContext(ctx, c.logger).Info("interview discovered",
			logging.String(logging.FieldInterview, name),
			logging.String("path", path),
		)
	}

	var fp string
	if c.cfg.Crawler.HashFiles {
		fp, err = fingerprint.File(path)
		if err != nil {
			return err
		}
	}

	inserted, changed, err := c.store.UpsertFile(ctx, iv.ID, stages.RoleRaw, path, fp, "")
	if err != nil {
		return err
	}
	if inserted {
		stats.FilesRegistered++
	}
	if changed {
		reset, err := c.store.ResetStageRuns(ctx, iv.ID, fp)
		if err != nil {
			return err
		}
		stats.ChangedInterviews++
		logging.WithContext(ctx, c.logger).Info("raw file changed; stages reset",
			logging.String(logging.FieldInterview, name),
			logging.Int64("runs_reset", reset),
		)
	}
	return nil
}

// identityFromPath derives subject and collection day from the path
// relative to the data root. Layouts look like
// <root>/<SUBJECT>/day-<N>/.../recording.mp4; a missing day segment
// defaults to day 1.
func identityFromPath(root, path string) (subject string, day int, err error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", 0, fmt.Errorf("relativize %s: %w", path, err)
	}

	day = 1
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if subject == "" && subjectDirPattern.MatchString(segment) {
			subject = segment
			continue
		}
		if m := dayDirPattern.FindStringSubmatch(segment); m != nil {
			if parsed, perr := strconv.Atoi(m[1]); perr == nil {
				day = parsed
			}
		}
	}
	if subject == "" {
		return "", 0, fmt.Errorf("no subject directory in %s", rel)
	}
	return subject, day, nil
}

// interviewName builds the unique interview identifier from its identity
// and the recording's base name, so multiple sessions per day stay
// distinct.
func interviewName(study, subject string, day int, path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return fmt.Sprintf("%s-%s-day%04d-%s", study, subject, day, base)
}
