// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestionTask represents the data structure for one document ingestion job.
// RawText is set for plain-text uploads; file uploads carry only the MinIO
// object name and are extracted by the pipeline consumer.
type IngestionTask struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Title      string `json:"title"`
	SourceType string `json:"source_type"`
	ObjectName string `json:"object_name,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	RawText    string `json:"raw_text,omitempty"`
}
