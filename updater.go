// Package updater is included in a program to provide secure, automated updates. The
// updater loads and refreshes a TUF repository and applies any target files that
// appear new since the last successful cycle. If any of the updates fail, previous
// successful updates are rolled back.
//
// See TUF Spec https://theupdateframework.io/
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"time"

	"github.com/kolide/tuf/tuf"
	"github.com/pkg/errors"
)

// EventType classifies errors that occur in the update process
type EventType int

const (
	// InfoType indicates event is routine
	InfoType EventType = iota
	ErrorType
)

const backupSubDir = "backup"
const appliedManifestFile = ".applied-targets.json"

// Updater handles software updates for an application
type Updater struct {
	ticker              *time.Ticker
	done                chan struct{}
	settings            tuf.Settings
	checkFrequency      time.Duration
	notificationHandler NotificationHandler
	cmd                 exec.Cmd
}

// Event information about an update
type Event struct {
	Time        time.Time
	Description string
	Type        EventType
}

// Events information about a update cycle
type Events struct {
	History []Event
}

func (evts *Events) push(evtType EventType, format string, args ...interface{}) {
	evts.History = append(evts.History, Event{time.Now(), fmt.Sprintf(format, args...), evtType})
}

// NotificationHandler will be invoked when the updater runs. Events describing
// that status of the update will be collected in Events.
type NotificationHandler func(evts Events)

const defaultCheckFrequency = 1 * time.Hour
const minimumCheckFrequency = 10 * time.Minute

// ErrCheckFrequency caused by supplying a check frequency that was too small.
var ErrCheckFrequency = fmt.Errorf("Frequency value must be %q or greater", minimumCheckFrequency)

// ErrPackageDoesNotExist the package file does not exist
var ErrPackageDoesNotExist = fmt.Errorf("package file does not exist")

// New creates a new updater. exeCmd is the required cmd for the executable file
// hosting the updater package. By default the updater will check for updates every hour
// but this may be changed by passing Frequency as an option.  The minimum
// frequency is 10 minutes.  Anything less than that will cause an error.
// Supply the WantNotfications option to get logging information about updates.
func New(settings tuf.Settings, exeCmd exec.Cmd, opts ...func() interface{}) (*Updater, error) {
	err := settings.Verify()
	if err != nil {
		return nil, errors.Wrap(err, "creating updater")
	}
	updater := Updater{
		settings:       settings,
		checkFrequency: defaultCheckFrequency,
		cmd:            exeCmd,
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case updateDuration:
			updater.checkFrequency = time.Duration(t)
		case NotificationHandler:
			updater.notificationHandler = t
		}
	}
	if updater.checkFrequency < minimumCheckFrequency {
		return nil, ErrCheckFrequency
	}
	return &updater, nil
}

type updateDuration time.Duration

// Frequency allows changing the frequency of update checks by passing
// this method to update.New
func Frequency(duration time.Duration) func() interface{} {
	return func() interface{} {
		return updateDuration(duration)
	}
}

// WantNotifications is used to pass a function that will collect information about updates.
func WantNotifications(hnd NotificationHandler) func() interface{} {
	return func() interface{} {
		return hnd
	}
}

// Start begins checking for updates.
func (u *Updater) Start() {
	u.ticker = time.NewTicker(u.checkFrequency)
	u.done = make(chan struct{})
	go pollLoop(u.settings, u.cmd, u.ticker.C, u.done, u.notificationHandler)
}

// Stop will disable update checks
func (u *Updater) Stop() {
	if u.ticker != nil {
		u.ticker.Stop()
	}
	if u.done != nil {
		u.done <- struct{}{}
	}
}

func pollLoop(settings tuf.Settings, cmd exec.Cmd, ticker <-chan time.Time, done <-chan struct{}, notifications NotificationHandler) {
	for {
		select {
		case <-ticker:
			update(settings, cmd, notifications)
		case <-done:
			return
		}
	}
}

func update(settings tuf.Settings, cmd exec.Cmd, notifications NotificationHandler) {
	var events Events
	defer func() {
		if notifications != nil {
			notifications(events)
		}
	}()

	events.push(InfoType, "start check for updates")
	// Load walks the root chain and verifies timestamp/snapshot/targets
	// before anything here ever sees a target name, so every pending
	// update is already trust-checked by the time we reach it.
	repo, err := tuf.Load(context.Background(), settings)
	if err != nil {
		events.push(ErrorType, "loading repository %q", err)
		return
	}

	pending, err := pendingTargets(repo, settings.StagingPath)
	if err != nil {
		events.push(ErrorType, "determining pending updates %q", err)
		return
	}
	if len(pending) == 0 {
		events.push(InfoType, "no updates available")
		return
	}

	var updatePaths []string
	for _, name := range pending {
		stagedPath, err := downloadTarget(context.Background(), repo, name, settings.StagingPath)
		if err != nil {
			events.push(ErrorType, "downloading target %q: %q", name, err)
			return
		}
		updatePaths = append(updatePaths, stagedPath)
	}

	// Prepare to install by copying the current install into a backup directory.
	// We expect the install program to write it's changes into the install directory. If
	// something fails, we replace the modified install directory with it's original
	// contents.
	backupDirectory, err := backup(settings.InstallDir, settings.StagingPath)
	if err != nil {
		events.push(ErrorType, "Could not create application backup")
		return
	}
	var successfulUpdates []string
	for _, updatePackagePath := range updatePaths {
		events.push(InfoType, "start update with package %q", updatePackagePath)
		err = applyUpdate(updatePackagePath)
		if err != nil {
			events.push(ErrorType, "applying update error %q", err)
			break
		}
		events.push(InfoType, "updated %q", updatePackagePath)
		successfulUpdates = append(successfulUpdates, updatePackagePath)
	}

	if len(successfulUpdates) < len(updatePaths) {
		events.push(ErrorType, "%d of %d updates succeeded, rolling back", len(successfulUpdates), len(updatePaths))
		err = rollback(backupDirectory, settings.InstallDir)
		if err != nil {
			events.push(ErrorType, "rollback failed")
		}
		return
	}

	if err := recordApplied(settings.StagingPath, pending); err != nil {
		events.push(ErrorType, "recording applied updates %q", err)
	}
	events.push(InfoType, "updates complete")
	restart(cmd)
}

// pendingTargets compares the repository's current target tree against the
// manifest of targets already applied in a previous cycle, returning the
// names that are new.
func pendingTargets(repo *tuf.Repository, stagingPath string) ([]string, error) {
	applied, err := readAppliedManifest(stagingPath)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, name := range repo.TargetNames() {
		if !applied[name] {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

func readAppliedManifest(stagingPath string) (map[string]bool, error) {
	b, err := ioutil.ReadFile(filepath.Join(stagingPath, appliedManifestFile))
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading applied-targets manifest")
	}
	var applied map[string]bool
	if err := json.Unmarshal(b, &applied); err != nil {
		return nil, errors.Wrap(err, "parsing applied-targets manifest")
	}
	return applied, nil
}

func recordApplied(stagingPath string, names []string) error {
	applied, err := readAppliedManifest(stagingPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		applied[name] = true
	}
	b, err := json.Marshal(applied)
	if err != nil {
		return errors.Wrap(err, "marshaling applied-targets manifest")
	}
	return ioutil.WriteFile(filepath.Join(stagingPath, appliedManifestFile), b, 0644)
}

// downloadTarget fetches and verifies name through the repository's trust
// tree and writes it into stagingPath, returning the written path. Any
// error from the returned stream, including at Close, means no bytes from
// it may be trusted, so the staged file is removed rather than left half
// written.
func downloadTarget(ctx context.Context, repo *tuf.Repository, name, stagingPath string) (string, error) {
	stream, err := repo.ReadTarget(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "fetching target %s", name)
	}
	defer stream.Close()

	if err := os.MkdirAll(stagingPath, 0755); err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	destPath := filepath.Join(stagingPath, filepath.Base(name))
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0744)
	if err != nil {
		return "", errors.Wrapf(err, "creating staged file for %s", name)
	}
	_, copyErr := io.Copy(f, stream)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(destPath)
		return "", errors.Wrapf(copyErr, "writing staged file for %s", name)
	}
	if closeErr != nil {
		os.Remove(destPath)
		return "", errors.Wrapf(closeErr, "closing staged file for %s", name)
	}
	return destPath, nil
}

// Backs up contents of the install directory, and symlinks in the
// install directory tree are not followed.
func backup(installPath, stagingPath string) (string, error) {
	backupSubDir := path.Join(stagingPath, backupSubDir, fmt.Sprintf("%d", time.Now().UnixNano()))
	err := os.MkdirAll(backupSubDir, 0744)
	if err != nil {
		return "", errors.Wrap(err, "creating backup directory")
	}
	err = copyRecursive(installPath, backupSubDir)
	if err != nil {
		return "", errors.Wrap(err, "backing up installation files")
	}
	return backupSubDir, nil
}

func rollback(backupPath, installPath string) error {
	err := os.RemoveAll(installPath)
	if err != nil {
		return errors.Wrap(err, "removing bad install")
	}
	err = os.Rename(backupPath, installPath)
	if err != nil {
		return errors.Wrap(err, "replacing old install")
	}
	return nil
}

func applyUpdate(updatePackagePath string) error {
	// each update is an executable that does stuff
	// it could be as simple as updating some config files, or
	// it could update the agent and restart it
	_, err := os.Stat(updatePackagePath)
	if os.IsNotExist(err) {
		return ErrPackageDoesNotExist
	}
	if err != nil {
		return errors.Wrap(err, "checking for package existance")
	}
	// file exists change to executable
	err = os.Chmod(updatePackagePath, 0744)
	if err != nil {
		return errors.Wrap(err, "setting package to executable")
	}
	cmd := exec.Command(updatePackagePath)
	// execute update package and wait for it to complete
	return cmd.Run()
}
