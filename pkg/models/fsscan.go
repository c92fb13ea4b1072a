/*
 * Copyright 2025 Carver Automation Corporation.
 *
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

package models

import (
	"encoding/json"
	"time"
)

// FilesystemAggregate is the accumulated output of a filesystem scan,
// merged across continuation runs of one baseline.
type FilesystemAggregate struct {
	TotalFiles     int64          `json:"total_files"`
	TotalBytes     int64          `json:"total_bytes"`
	LargestFiles   []FileEntry    `json:"largest_files,omitempty"`
	ByExtension    map[string]int `json:"by_extension,omitempty"`
	DirectoryCount int64          `json:"directory_count"`
}

// FileEntry is one file reference inside an aggregate.
type FileEntry struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// HotDirectory is a directory with unusually high churn or size.
type HotDirectory struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Files int64  `json:"files"`
}

// FilesystemScanResult is the structured result body of a
// filesystem_analysis command. A non-empty PendingDirectories
// checkpoint means the scan ran out of budget and can be continued
// with the returned cursor.
type FilesystemScanResult struct {
	Mode               string              `json:"mode"`
	Aggregate          FilesystemAggregate `json:"aggregate"`
	HotDirectories     []HotDirectory      `json:"hot_directories,omitempty"`
	PendingDirectories json.RawMessage     `json:"pending_directories,omitempty"`
}

// ScanCheckpoint is the per-device singleton tracking an in-progress
// long-running filesystem scan. Mutated only by the checkpoint engine;
// cleared when a baseline completes with no pending checkpoint.
type ScanCheckpoint struct {
	DeviceID                string              `json:"device_id"`
	LastRunMode             string              `json:"last_run_mode"`
	Cursor                  json.RawMessage     `json:"cursor,omitempty"`
	Aggregate               FilesystemAggregate `json:"aggregate"`
	HotDirectories          []HotDirectory      `json:"hot_directories,omitempty"`
	ResumeAttempt           int                 `json:"resume_attempt"`
	LastBaselineCompletedAt *time.Time          `json:"last_baseline_completed_at,omitempty"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

// FilesystemSnapshot is the persisted result of one scan pass,
// flagged partial while a checkpoint remains.
type FilesystemSnapshot struct {
	ID        string              `json:"id"`
	DeviceID  string              `json:"device_id"`
	Mode      string              `json:"mode"`
	Aggregate FilesystemAggregate `json:"aggregate"`
	Partial   bool                `json:"partial"`
	CreatedAt time.Time           `json:"created_at"`
}
