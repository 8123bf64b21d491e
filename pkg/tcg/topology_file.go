package tcg

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

// ReadEndpointsFile opens an endpoints JSON file and converts it to a TopologyDocument.
func ReadEndpointsFile(fileNamePath string) (*TopologyDocument, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	document := &TopologyDocument{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, document)

	return document, err
}

// FileTopologySource reads candidate endpoints from a JSON file and pushes changes to a Refreshable.
type FileTopologySource struct {
	path   string
	logger *log.Entry
}

// NewFileTopologySource creates a FileTopologySource for path.
func NewFileTopologySource(path string, logger *log.Entry) (*FileTopologySource, error) {

	if path == "" {
		return nil, errors.New("endpoints file path can't be empty")
	}

	if logger == nil {
		logger = log.WithField("component", "file-topology")
	}

	return &FileTopologySource{
		path:   filepath.Clean(path),
		logger: logger,
	}, nil
}

// Path is the watched file.
func (fts *FileTopologySource) Path() string {
	return fts.path
}

// Load reads the file.
func (fts *FileTopologySource) Load() (EndpointCollection, error) {

	document, err := ReadEndpointsFile(fts.path)
	if err != nil {
		return EndpointCollection{}, err
	}

	return document.Collection(), nil
}

// Endpoints re-reads the file. It satisfies EagerRefreshHandler.
func (fts *FileTopologySource) Endpoints(ctx context.Context, eagerCtx EagerRefreshContext) (EndpointCollection, error) {

	fts.logger.Debugf("eager refresh after %s, re-reading %s", eagerCtx.Waited, fts.path)

	return fts.Load()
}

// Watch loads the file once, then refreshes the target whenever the file is written, created or
// renamed into place. It returns when ctx is done or the watcher fails.
func (fts *FileTopologySource) Watch(ctx context.Context, target Refreshable) error {

	endpoints, err := fts.Load()
	if err != nil {
		fts.logger.Warnf("unable to read %s: %s", fts.path, err)
	} else {
		target.RefreshEndpoints(ctx, endpoints)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// watch the directory so atomic replaces (rename over the file) are seen
	if err := watcher.Add(filepath.Dir(fts.path)); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			fts.logger.Debugf("Received event: %v", event)
			if filepath.Clean(event.Name) != fts.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			endpoints, err := fts.Load()
			if err != nil {
				fts.logger.Warnf("unable to read %s: %s", fts.path, err)
				continue
			}

			target.RefreshEndpoints(ctx, endpoints)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			fts.logger.Warnf("Error while watching %s: %s", fts.path, err)
			return err

		case <-ctx.Done():
			return nil
		}
	}
}
