package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"fleetstat/internal/protocol"
	"fleetstat/internal/registry"
)

// LoadBaselines seeds network baselines of configured hosts from a
// persisted snapshot. A missing file is not an error. It returns the
// number of hosts seeded.
func LoadBaselines(path string, reg *registry.Registry, logger logrus.FieldLogger) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read stats file: %w", err)
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to parse stats file: %w", err)
	}

	seeded := 0
	for _, s := range snap.Servers {
		in, out := s.BaselineNetworkIn, s.BaselineNetworkOut
		// files written before baselines were stored separately kept them here
		if in == 0 && out == 0 {
			in, out = s.LastNetworkIn, s.LastNetworkOut
		}
		if reg.SeedBaselines(s.Name, in, out) {
			seeded++
			logger.WithFields(logrus.Fields{
				"host":         s.Name,
				"baseline_in":  in,
				"baseline_out": out,
			}).Debug("baseline restored")
		}
	}
	return seeded, nil
}

// save writes the latest full snapshot to the stats file
func (e *Engine) save() {
	if e.opts.StatsFile == "" {
		return
	}
	if err := writeFileAtomic(e.opts.StatsFile, e.AdminSnapshotJSON()); err != nil {
		e.metrics.SnapshotSaves.WithLabelValues("error").Inc()
		e.logger.WithError(err).WithField("file", e.opts.StatsFile).Error("save stats file failed")
		return
	}
	e.metrics.SnapshotSaves.WithLabelValues("ok").Inc()
	e.logger.WithField("file", e.opts.StatsFile).Trace("stats file saved")
}

// writeFileAtomic replaces path with data via a temporary file in the same directory
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
