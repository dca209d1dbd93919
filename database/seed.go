/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
)

// SeedManager discovers and executes SQL files to seed data. Files live under
// <root>/common and <root>/environments/<env>; a numeric prefix on the file
// name controls ordering. File contents are Go templates with access to the
// process environment plus ENVIRONMENT and TIMESTAMP.
type SeedManager struct {
	db          *bun.DB
	environment string
	rootPath    string
	logger      Logger
}

// SeedFileInfo describes a SQL file to be executed during seeding.
type SeedFileInfo struct {
	Path        string
	Name        string
	Order       int
	Environment string
	ModTime     time.Time
}

// SeedResult contains the outcome of executing a single SQL file.
type SeedResult struct {
	File         string
	Skipped      bool
	Success      bool
	Error        error
	Duration     time.Duration
	RowsAffected int64
}

// SeedRun records an executed seed file so reruns with unchanged content are
// skipped.
type SeedRun struct {
	bun.BaseModel `bun:"table:dormouse_seed_runs,alias:dseed"`

	File      string    `bun:"file,pk"`
	Checksum  string    `bun:"checksum,notnull"`
	AppliedAt time.Time `bun:"applied_at"`
}

// NewSeedManager creates a seed executor for the given environment.
func NewSeedManager(db *bun.DB, environment string) *SeedManager {
	return &SeedManager{
		db:          db,
		environment: environment,
		rootPath:    "configs/sql",
		logger:      GetLogger(),
	}
}

// SetRootPath sets the root directory from which SQL files are loaded.
func (s *SeedManager) SetRootPath(path string) {
	s.rootPath = path
}

// Run executes all discovered SQL files in the correct order. Previously
// executed files with an unchanged checksum are skipped.
func (s *SeedManager) Run(ctx context.Context) error {
	s.logger.Info("Starting SQL seeding", "environment", s.environment, "sql_path", s.rootPath)

	files, err := s.SeedFiles()
	if err != nil {
		return fmt.Errorf("failed to get SQL files: %w", err)
	}

	if len(files) == 0 {
		s.logger.Info("No SQL files found to execute")
		return nil
	}

	if err := s.createTrackingTable(ctx); err != nil {
		return fmt.Errorf("failed to create seed tracking table: %w", err)
	}

	executed := 0
	for _, file := range files {
		result := s.executeFile(ctx, file)
		if result.Skipped {
			s.logger.Debug("SQL file unchanged, skipped", "file", result.File)
			continue
		}
		if !result.Success {
			s.logger.Error("SQL file execution failed", "file", result.File, "error", result.Error.Error())
			return fmt.Errorf("SQL file execution failed %s: %w", result.File, result.Error)
		}
		executed++
		s.logger.Info("SQL file executed successfully",
			"file", result.File,
			"duration", result.Duration.String(),
			"rows", result.RowsAffected,
		)
	}

	s.logger.Info("SQL seeding completed", "total_files", len(files), "executed", executed, "environment", s.environment)
	return nil
}

// SeedFiles returns the list of SQL files from common and environment dirs.
func (s *SeedManager) SeedFiles() ([]SeedFileInfo, error) {
	var files []SeedFileInfo

	commonPath := filepath.Join(s.rootPath, "common")
	if _, err := os.Stat(commonPath); err == nil {
		commonFiles, err := s.filesFromDir(commonPath, "common")
		if err != nil {
			return nil, fmt.Errorf("failed to get common SQL files: %w", err)
		}
		files = append(files, commonFiles...)
	}

	envPath := filepath.Join(s.rootPath, "environments", s.environment)
	if _, err := os.Stat(envPath); err == nil {
		envFiles, err := s.filesFromDir(envPath, s.environment)
		if err != nil {
			return nil, fmt.Errorf("failed to get environment SQL files: %w", err)
		}
		files = append(files, envFiles...)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Environment != files[j].Environment {
			return files[i].Environment == "common"
		}
		return files[i].Order < files[j].Order
	})

	return files, nil
}

func (s *SeedManager) filesFromDir(dir, environment string) ([]SeedFileInfo, error) {
	var files []SeedFileInfo

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			return nil
		}

		order := s.parseFileOrder(d.Name())
		info, err := d.Info()
		if err != nil {
			return err
		}

		files = append(files, SeedFileInfo{
			Path:        path,
			Name:        d.Name(),
			Order:       order,
			Environment: environment,
			ModTime:     info.ModTime(),
		})

		return nil
	})

	return files, err
}

func (s *SeedManager) parseFileOrder(filename string) int {
	re := regexp.MustCompile(`^(\d+)_`)
	matches := re.FindStringSubmatch(filename)
	if len(matches) > 1 {
		var order int
		_, _ = fmt.Sscanf(matches[1], "%d", &order)
		return order
	}
	return 999
}

func (s *SeedManager) createTrackingTable(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*SeedRun)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func (s *SeedManager) executeFile(ctx context.Context, file SeedFileInfo) SeedResult {
	start := time.Now()
	result := SeedResult{
		File:    file.Path,
		Success: false,
	}

	content, err := os.ReadFile(file.Path)
	if err != nil {
		result.Error = fmt.Errorf("failed to read file: %w", err)
		result.Duration = time.Since(start)
		return result
	}

	processed, err := s.expandTemplate(string(content))
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	sum := sha256.Sum256([]byte(processed))
	checksum := hex.EncodeToString(sum[:])

	applied, err := s.alreadyApplied(ctx, file.Path, checksum)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}
	if applied {
		result.Skipped = true
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	statements := s.splitSQLStatements(processed)
	if len(statements) == 0 {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var totalRowsAffected int64

		for _, stmt := range statements {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" || strings.HasPrefix(stmt, "--") {
				continue
			}

			res, execErr := tx.ExecContext(ctx, stmt)
			if execErr != nil {
				return fmt.Errorf("failed to execute SQL statement: %s, error: %w", stmt, execErr)
			}

			rowsAffected, _ := res.RowsAffected()
			totalRowsAffected += rowsAffected
		}

		result.RowsAffected = totalRowsAffected

		if err := s.recordRun(ctx, tx, file.Path, checksum); err != nil {
			return fmt.Errorf("failed to record seed run: %w", err)
		}
		return nil
	})

	if err != nil {
		result.Error = err
	} else {
		result.Success = true
	}

	result.Duration = time.Since(start)
	return result
}

func (s *SeedManager) recordRun(ctx context.Context, tx bun.Tx, file, checksum string) error {
	run := &SeedRun{File: file, Checksum: checksum, AppliedAt: time.Now()}
	insert := tx.NewInsert().Model(run)
	switch {
	case s.db.HasFeature(feature.InsertOnConflict):
		_, err := insert.
			On("CONFLICT (file) DO UPDATE").
			Set("checksum = EXCLUDED.checksum").
			Set("applied_at = EXCLUDED.applied_at").
			Exec(ctx)
		return err
	case s.db.HasFeature(feature.InsertOnDuplicateKey):
		_, err := insert.
			On("DUPLICATE KEY UPDATE checksum = VALUES(checksum), applied_at = VALUES(applied_at)").
			Exec(ctx)
		return err
	default:
		if _, err := tx.NewDelete().
			Model((*SeedRun)(nil)).
			Where("file = ?", file).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(run).Exec(ctx)
		return err
	}
}

func (s *SeedManager) alreadyApplied(ctx context.Context, file, checksum string) (bool, error) {
	var run SeedRun
	err := s.db.NewSelect().
		Model(&run).
		Where("file = ?", file).
		Scan(ctx)
	if err != nil {
		if is, kind := IsSqlError(err); is && kind == NoRowsErr {
			return false, nil
		}
		return false, err
	}
	return run.Checksum == checksum, nil
}

func (s *SeedManager) expandTemplate(content string) (string, error) {
	tmpl, err := template.New("sql").Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	envVars := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envVars[parts[0]] = parts[1]
		}
	}

	envVars["ENVIRONMENT"] = s.environment
	envVars["TIMESTAMP"] = time.Now().Format("2006-01-02 15:04:05")

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, envVars)
	if err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

func (s *SeedManager) splitSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString(" ")

		if strings.HasSuffix(line, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	return statements
}

// History returns the recorded seed runs ordered by application time.
func (s *SeedManager) History(ctx context.Context) ([]SeedRun, error) {
	var runs []SeedRun
	err := s.db.NewSelect().
		Model(&runs).
		Order("applied_at ASC").
		Scan(ctx)
	return runs, err
}
