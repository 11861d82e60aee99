package config

import "fmt"

// StorageConfig locates the uploaded dataset and exported files.
type StorageConfig struct {
	// UploadDir holds dataset.csv and, for the local backend, cleaned_data.csv.
	UploadDir string       `yaml:"upload_dir"`
	Export    ExportConfig `yaml:"export"`
}

const (
	ExportBackendLocal = "local"
	ExportBackendS3    = "s3"
)

type ExportConfig struct {
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.Export.Backend == "" {
		cfg.Export.Backend = ExportBackendLocal
	}
	if cfg.Export.Backend == ExportBackendS3 && cfg.Export.S3.Region == "" {
		cfg.Export.S3.Region = "us-east-1"
	}
}

func validateStorage(cfg StorageConfig) []string {
	var problems []string
	switch cfg.Export.Backend {
	case ExportBackendLocal:
	case ExportBackendS3:
		if cfg.Export.S3.Bucket == "" {
			problems = append(problems, "storage.export.s3.bucket is required for the s3 backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.export.backend %q is not supported (local, s3)", cfg.Export.Backend))
	}
	return problems
}
