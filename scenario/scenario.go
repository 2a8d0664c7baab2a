// Package scenario scopes a single externally read configuration value -
// the daemon's upstream URL - to one test scenario, with guaranteed
// restoration on every exit path including panics. Activation is not
// reentrant: one scenario may hold the override at a time, and the
// backup's presence is what drives restoration.
package scenario

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/rdkcentral/fwupdate-harness/logging"
)

// backupPrefix marks the saved original next to the live file.
const backupPrefix = "bk_"

// Controller overrides the single-line configuration file the daemon
// reads its upstream URL from.
type Controller struct {
	path   string
	backup string
	logger *zap.Logger
}

func New(ctx context.Context, confPath string) *Controller {
	dir, base := filepath.Split(confPath)
	return &Controller{
		path:   confPath,
		backup: filepath.Join(dir, backupPrefix+base),
		logger: logging.FromContext(ctx).Named("scenario"),
	}
}

// Set backs up the current file exactly once and writes the new URL. If
// a backup already exists it is left untouched: repeated Set calls must
// never lose the true original. The returned restore function undoes the
// override and is safe to call multiple times.
func (c *Controller) Set(url string) (restore func() error, err error) {
	if _, err := os.Stat(c.path); err == nil {
		if _, err := os.Stat(c.backup); os.IsNotExist(err) {
			if err := os.Rename(c.path, c.backup); err != nil {
				return nil, fmt.Errorf("backing up %s: %w", c.path, err)
			}
		}
	}

	if err := os.WriteFile(c.path, []byte(url+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", c.path, err)
	}
	c.logger.Info("upstream URL overridden", zap.String("url", url))

	return c.Restore, nil
}

// Restore puts the original file back and removes the backup marker. A
// missing backup means there is nothing to restore.
func (c *Controller) Restore() error {
	if _, err := os.Stat(c.backup); os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", c.path, err)
	}
	if err := os.Rename(c.backup, c.path); err != nil {
		return fmt.Errorf("restoring %s: %w", c.path, err)
	}
	c.logger.Info("upstream URL restored")
	return nil
}

// With runs fn under the override and restores the original afterwards,
// whether fn returned, failed or panicked.
func (c *Controller) With(url string, fn func() error) (err error) {
	restore, err := c.Set(url)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// WaitReachable polls the given upstream URL until it answers or the
// context expires. Scenarios that swap in a mock upstream use it to make
// sure the mock is actually serving before driving the daemon at it.
func WaitReachable(ctx context.Context, url string, timeout time.Duration) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 10
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s not reachable: %w", url, err)
	}
	defer resp.Body.Close()
	return nil
}
