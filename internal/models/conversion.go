package models

import "uniconvert/internal/formats"

// ErrorDescriptor is the user-facing part of a failed operation.
type ErrorDescriptor struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ConversionResult is produced once per conversion request and never cached.
type ConversionResult struct {
	SourceFilename string           `json:"source_filename"`
	Target         formats.Format   `json:"target_format"`
	Success        bool             `json:"success"`
	Output         *FileRecord      `json:"output,omitempty"`
	DownloadURL    string           `json:"download_url,omitempty"`
	Capability     string           `json:"capability,omitempty"`
	Degraded       bool             `json:"degraded,omitempty"`
	Error          *ErrorDescriptor `json:"error,omitempty"`
}

// DetectionResult is returned for each successfully detected upload.
type DetectionResult struct {
	SessionID    string   `json:"session_id"`
	Filename     string   `json:"filename"`
	OriginalName string   `json:"original_name"`
	Type         string   `json:"type"`
	Format       string   `json:"format"`
	MIME         string   `json:"mime"`
	ValidTargets []string `json:"valid_targets"`
	Size         int64    `json:"size"`
	Warning      string   `json:"warning,omitempty"`
}
