// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// progressWriter forwards writes while updating a progress bar. It needs the
// content length up-front to size the bar units.
type progressWriter struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	barUnit, numUnits, addedUnits int64
	amountWritten                 int64
}

func newProgressWriter(w io.Writer, contentLength int64) *progressWriter {
	pw := &progressWriter{w: w, barUnit: 1}
	for contentLength > pw.barUnit*1024*1024 {
		pw.barUnit *= 1024
	}
	pw.numUnits = (contentLength + pw.barUnit - 1) / pw.barUnit
	pw.bar = progressbar.NewOptions(int(pw.numUnits),
		progressbar.OptionSetDescription(fsutil.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return pw
}

func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	pw.amountWritten += int64(n)
	toUnits := pw.amountWritten / pw.barUnit
	if toUnits > pw.addedUnits {
		_ = pw.bar.Add(int(toUnits - pw.addedUnits))
		pw.addedUnits = toUnits
	}
	return
}

func (pw *progressWriter) close() {
	if pw.addedUnits < pw.numUnits {
		_ = pw.bar.Add(int(pw.numUnits - pw.addedUnits))
	}
	_ = pw.bar.Close()
	fmt.Println()
}

// downloadIfMissing fetches url into filePath, creating the directory if
// needed. Existing files are kept as-is. A progress bar is shown while
// downloading.
func downloadIfMissing(url, filePath string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if _, err := os.Stat(filePath); err == nil {
		return nil
	}
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}

	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading %q: unexpected status %s", url, resp.Status)
	}

	// Download to a temporary name so partial downloads are never mistaken
	// for complete checkpoints.
	partPath := filePath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", partPath)
	}
	pw := newProgressWriter(file, resp.ContentLength)
	_, err = io.Copy(pw, resp.Body)
	pw.close()
	if err != nil {
		_ = file.Close()
		_ = os.Remove(partPath)
		return errors.Wrapf(err, "downloading %q to %q", url, partPath)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed closing %q", partPath)
	}
	return errors.Wrapf(os.Rename(partPath, filePath), "failed moving %q into place", partPath)
}
