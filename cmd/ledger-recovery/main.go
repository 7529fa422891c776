// ledger-recovery rebuilds the pgzipbackup run ledger from archives left in
// the output directory and in S3
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/config"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
	s3store "github.com/supporttools/pgzipbackup/pkg/storage/s3"
)

var (
	dryRun     = flag.Bool("dry-run", false, "Report what would be recovered without writing the ledger")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal  = flag.Bool("local", true, "Scan the output directory for archives")
	scanS3     = flag.Bool("s3", true, "Scan S3 storage for archives")
	configFile = flag.String("config", "", "YAML configuration file")

	// Format: {database}-{timestamp}.zip as written by scheduled dumps
	archivePattern = regexp.MustCompile(`^(.+)-(\d{8}-\d{6})\.zip$`)
)

const timestampLayout = "20060102-150405"

// RecoveredArchive is an archive found during recovery
type RecoveredArchive struct {
	Filename  string
	Path      string
	Size      int64
	ModTime   time.Time
	Database  string
	Timestamp string
	S3Key     string
}

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config.LoadConfiguration()
	if *configFile != "" {
		if err := config.LoadFile(*configFile); err != nil {
			logrus.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if config.CFG.Metadata.File == "" {
		logrus.Fatal("No ledger file configured (PGZB_METADATA_FILE)")
	}

	ledger, err := metadata.Open(config.CFG.Metadata.File)
	if err != nil {
		logrus.Fatalf("Failed to open ledger: %v", err)
	}

	var found []RecoveredArchive
	if *scanLocal && config.CFG.Schedule.OutputDirectory != "" {
		local := scanLocalStorage(config.CFG.Schedule.OutputDirectory)
		found = append(found, local...)
		logrus.Infof("Found %d archives in local storage", len(local))
	}

	if *scanS3 && config.CFG.S3.Enabled {
		client, err := s3store.NewClient(context.Background(), config.CFG.S3, nil)
		if err != nil {
			logrus.Fatalf("Failed to create S3 client: %v", err)
		}
		remote, err := scanS3Storage(context.Background(), client)
		if err != nil {
			logrus.Errorf("Error listing S3 objects: %v", err)
		}
		found = append(found, remote...)
		logrus.Infof("Found %d archives in S3 storage", len(remote))
	}

	if *dryRun {
		for _, a := range found {
			logrus.Infof("Would recover %s (%s)", a.Filename, humanize.Bytes(uint64(a.Size)))
		}
		logrus.Info("Dry run completed - no changes were saved")
		return
	}

	added, err := recoverArchives(ledger, found)
	if err != nil {
		logrus.Fatalf("Failed to update ledger: %v", err)
	}
	logrus.WithFields(logrus.Fields{
		"found":      len(found),
		"recovered":  added,
		"total_size": humanize.Bytes(uint64(ledger.TotalSize())),
	}).Info("Recovery completed")
}

// parseArchiveName returns the database and timestamp encoded in an
// archive file name
func parseArchiveName(name string) (database, timestamp string, ok bool) {
	m := archivePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// scanLocalStorage finds archives in dir
func scanLocalStorage(dir string) []RecoveredArchive {
	var archives []RecoveredArchive

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			logrus.Debugf("Error accessing path %s: %v", path, err)
			return nil
		}
		if info.IsDir() {
			return nil
		}

		database, timestamp, ok := parseArchiveName(info.Name())
		if !ok {
			logrus.Debugf("Skipping file with non-standard name: %s", info.Name())
			return nil
		}
		archives = append(archives, RecoveredArchive{
			Filename:  info.Name(),
			Path:      path,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			Database:  database,
			Timestamp: timestamp,
		})
		return nil
	})
	if err != nil {
		logrus.Errorf("Error walking backup directory: %v", err)
	}
	return archives
}

type archiveLister interface {
	ListArchives(ctx context.Context) ([]s3store.Object, error)
	URL(key string) string
}

// scanS3Storage finds archives under the configured prefix
func scanS3Storage(ctx context.Context, client archiveLister) ([]RecoveredArchive, error) {
	objects, err := client.ListArchives(ctx)
	if err != nil {
		return nil, err
	}

	var archives []RecoveredArchive
	for _, obj := range objects {
		name := filepath.Base(obj.Key)
		database, timestamp, ok := parseArchiveName(name)
		if !ok {
			logrus.Debugf("Skipping S3 object with non-standard name: %s", obj.Key)
			continue
		}
		archives = append(archives, RecoveredArchive{
			Filename:  name,
			Path:      client.URL(obj.Key),
			Size:      obj.Size,
			ModTime:   obj.LastModified,
			Database:  database,
			Timestamp: timestamp,
			S3Key:     obj.Key,
		})
	}
	return archives, nil
}

// recoverArchives adds a successful whole dump run for every archive the
// ledger does not know yet
func recoverArchives(ledger *metadata.Store, archives []RecoveredArchive) (int, error) {
	added := 0
	for _, a := range archives {
		createdAt, err := time.Parse(timestampLayout, a.Timestamp)
		if err != nil {
			logrus.Warnf("Failed to parse timestamp for %s: %v", a.Filename, err)
			createdAt = a.ModTime
		}

		run := metadata.RunMeta{
			Operation:   "dump",
			Mode:        "whole",
			Database:    a.Database,
			File:        a.Path,
			Size:        a.Size,
			CreatedAt:   createdAt,
			CompletedAt: a.ModTime,
			Status:      metadata.StatusSuccess,
		}
		if a.S3Key != "" {
			run.S3Key = a.S3Key
			run.S3UploadStatus = metadata.StatusSuccess
			run.S3UploadComplete = a.ModTime
		}

		ok, err := ledger.ImportRun(run)
		if err != nil {
			return added, err
		}
		if ok {
			added++
			logrus.Debugf("Recovered archive: %s", a.Path)
		}
	}
	return added, nil
}
