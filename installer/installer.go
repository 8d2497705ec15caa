// Package installer materializes the bundled proxy distribution into a
// per-user directory and removes it again.
package installer

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/tomyedwab/harproxy/types"
)

const (
	// DefaultDirName is the per-user directory under the home directory.
	DefaultDirName = ".proxy-client"
	// InstallDirName is the directory the bundled archive unpacks to.
	InstallDirName = "proxy-local"
	// LogFileName is the base name of the per-instance log files.
	LogFileName = "proxy-local.log"

	versionFileName = "VERSION.txt"
	execUnix        = "browsermob-proxy"
	execWindows     = "browsermob-proxy.bat"
)

// Config holds configuration options for the Installer.
type Config struct {
	BaseDir      string       // Optional, defaults to <home>/.proxy-client
	ArchivePath  string       // Path to the bundled zip; ignored when ArchiveBytes is set
	ArchiveBytes []byte       // Optional in-memory archive
	Logger       *slog.Logger // Optional, defaults to slog.Default()
}

// Installer installs and uninstalls the local proxy distribution.
type Installer struct {
	mu sync.Mutex

	baseDir      string
	installDir   string
	archivePath  string
	archiveBytes []byte
	logger       *slog.Logger
}

// DefaultBaseDir returns <home>/.proxy-client.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// New creates an Installer.
func New(config Config) (*Installer, error) {
	baseDir := config.BaseDir
	if baseDir == "" {
		dir, err := DefaultBaseDir()
		if err != nil {
			return nil, err
		}
		baseDir = dir
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Installer{
		baseDir:      baseDir,
		installDir:   filepath.Join(baseDir, InstallDirName),
		archivePath:  config.ArchivePath,
		archiveBytes: config.ArchiveBytes,
		logger:       logger.With("component", "Installer"),
	}, nil
}

// BaseDir returns the per-user directory holding the installation and logs.
func (in *Installer) BaseDir() string {
	return in.baseDir
}

// InstallDir returns the directory the distribution is installed to.
func (in *Installer) InstallDir() string {
	return in.installDir
}

// LogPath returns the base log path; supervisors append ".<port>".
func (in *Installer) LogPath() string {
	return filepath.Join(in.baseDir, LogFileName)
}

// Executable returns the launch script for the current OS.
func (in *Installer) Executable() string {
	return executableFor(in.installDir, runtime.GOOS)
}

func executableFor(installDir, goos string) string {
	if goos == "windows" {
		return filepath.Join(installDir, "bin", execWindows)
	}
	return filepath.Join(installDir, "bin", execUnix)
}

// IsInstalled reports whether a version marker with a non-empty first line exists.
func (in *Installer) IsInstalled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, err := in.installedVersion()
	return err == nil
}

// InstalledVersion returns the installed version string.
func (in *Installer) InstalledVersion() (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.installedVersion()
}

func (in *Installer) installedVersion() (string, error) {
	versionFile := filepath.Join(in.installDir, versionFileName)
	data, err := os.ReadFile(versionFile)
	if err != nil {
		return "", types.NewNotInstalledError("version file not found: " + versionFile)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return "", types.NewNotInstalledError("version file is empty: " + versionFile)
	}
	version := strings.TrimSpace(scanner.Text())
	if version == "" {
		return "", types.NewNotInstalledError("version file is empty: " + versionFile)
	}
	return version, nil
}

// Install extracts the bundled archive unless a version is already installed.
func (in *Installer) Install() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if version, err := in.installedVersion(); err == nil {
		in.logger.Debug("Already installed", "version", version, "dir", in.installDir)
		return nil
	}

	in.logger.Info("Installing local proxy", "dir", in.installDir)
	if err := in.extract(); err != nil {
		return types.NewUnexpectedError("installation failed", err)
	}

	for _, goos := range []string{"linux", "windows"} {
		exe := executableFor(in.installDir, goos)
		if err := os.Chmod(exe, 0755); err != nil && !os.IsNotExist(err) {
			return types.NewUnexpectedError("installation failed", fmt.Errorf("mark %s executable: %w", exe, err))
		}
	}

	version, err := in.installedVersion()
	if err != nil {
		return err
	}
	in.logger.Info("Installed local proxy", "version", version)
	return nil
}

func (in *Installer) extract() error {
	if in.archiveBytes != nil {
		return Unzip(bytes.NewReader(in.archiveBytes), int64(len(in.archiveBytes)), in.baseDir)
	}
	if in.archivePath == "" {
		return fmt.Errorf("no bundled archive configured")
	}
	return UnzipFile(in.archivePath, in.baseDir)
}

// Uninstall removes the installation directory, including what a failed
// install left behind. It is a no-op when the directory does not exist.
func (in *Installer) Uninstall() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, err := os.Stat(in.installDir); os.IsNotExist(err) {
		return nil
	}

	in.logger.Info("Uninstalling local proxy", "dir", in.installDir)
	if err := os.RemoveAll(in.installDir); err != nil {
		return types.NewUnexpectedError("uninstall failed", err)
	}
	return nil
}
