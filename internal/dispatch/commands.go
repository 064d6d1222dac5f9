package dispatch

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/tranco-dispatch/internal/remote"
	"github.com/JakeFAU/tranco-dispatch/internal/work"
)

// ErrUnsafeArgument marks a value that cannot be placed on a remote shell
// command line unquoted.
var ErrUnsafeArgument = errors.New("unsafe command argument")

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./~:@+=-]+$`)

// Commands renders the remote shell command for each action.
type Commands struct {
	// GitURL is cloned by InstallClientCode.
	GitURL string
	// BrowserProcess is the process name killed before setup and crawls.
	BrowserProcess string
}

type commandFunc func(c Commands, host remote.Host, args work.Args) (string, error)

// commandTable must hold an entry for every work.Action.
var commandTable = map[work.Action]commandFunc{
	work.ActionTestConnection:     testConnectionCmd,
	work.ActionKillChildProcesses: killChildProcessesCmd,
	work.ActionDeleteClientCode:   deleteClientCodeCmd,
	work.ActionInstallClientCode:  installClientCodeCmd,
	work.ActionCheckClientCode:    checkClientCodeCmd,
	work.ActionSetupClientCode:    setupClientCodeCmd,
	work.ActionCrawl:              crawlCmd,
}

// checkCommandTable reports any declared action without a command.
func checkCommandTable() error {
	var missing []string
	for _, a := range work.Actions() {
		if _, ok := commandTable[a]; !ok {
			missing = append(missing, a.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no command for actions: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Render builds the command line for item on host.
func (c Commands) Render(host remote.Host, item work.Item) (string, error) {
	fn, ok := commandTable[item.Action]
	if !ok {
		return "", fmt.Errorf("no command for %s", item.Action)
	}
	cmd, err := fn(c, host, item.Args)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", item.Action, err)
	}
	return cmd, nil
}

// Validate checks the fixed parts of every command.
func (c Commands) Validate() error {
	return checkSafe(map[string]string{
		"git url":         c.GitURL,
		"browser process": c.BrowserProcess,
	})
}

func checkSafe(values map[string]string) error {
	for name, v := range values {
		if !shellSafe.MatchString(v) {
			return fmt.Errorf("%w: %s %q", ErrUnsafeArgument, name, v)
		}
	}
	return nil
}

func testConnectionCmd(_ Commands, host remote.Host, _ work.Args) (string, error) {
	if err := checkSafe(map[string]string{"user": host.User}); err != nil {
		return "", err
	}
	return "test -d /home/" + host.User, nil
}

func killChildProcessesCmd(c Commands, _ remote.Host, _ work.Args) (string, error) {
	if err := checkSafe(map[string]string{"browser process": c.BrowserProcess}); err != nil {
		return "", err
	}
	return "killall -q -9 " + c.BrowserProcess + " || true", nil
}

func deleteClientCodeCmd(_ Commands, _ remote.Host, args work.Args) (string, error) {
	if err := checkClientPath(args.ClientCodePath); err != nil {
		return "", err
	}
	return "rm -Rf " + args.ClientCodePath, nil
}

func installClientCodeCmd(c Commands, _ remote.Host, args work.Args) (string, error) {
	if err := checkClientPath(args.ClientCodePath); err != nil {
		return "", err
	}
	if err := checkSafe(map[string]string{"git url": c.GitURL}); err != nil {
		return "", err
	}
	name := projectName(args.ClientCodePath)
	return strings.Join([]string{
		"python3 -m venv " + name,
		"cd " + name,
		". ./bin/activate",
		"git clone " + c.GitURL + " " + name,
		"cd ./" + name,
		"pip3 install -r requirements.txt",
	}, " && "), nil
}

func checkClientCodeCmd(_ Commands, _ remote.Host, args work.Args) (string, error) {
	if err := checkClientPath(args.ClientCodePath); err != nil {
		return "", err
	}
	return "test -d " + args.ClientCodePath, nil
}

func setupClientCodeCmd(_ Commands, _ remote.Host, args work.Args) (string, error) {
	if err := checkClientPath(args.ClientCodePath); err != nil {
		return "", err
	}
	cmd := activateEnv(args.ClientCodePath) + " && ./client-setup.py"
	if args.Quiet {
		cmd += " --quiet"
	}
	return cmd, nil
}

func crawlCmd(c Commands, _ remote.Host, args work.Args) (string, error) {
	job := args.Job
	if job == nil {
		return "", fmt.Errorf("crawl item has no job")
	}
	p := args.Crawl
	if err := checkClientPath(args.ClientCodePath); err != nil {
		return "", err
	}
	if err := checkSafe(map[string]string{
		"browser process": c.BrowserProcess,
		"url":             job.URL(),
		"binary path":     p.BinaryPath,
		"s3 bucket":       p.S3Bucket,
	}); err != nil {
		return "", err
	}
	client := strings.Join([]string{
		"./client.py",
		"--rank", strconv.Itoa(job.Rank),
		"--url", job.URL(),
		"--seconds", strconv.Itoa(p.PageSeconds),
		"--timeout", strconv.Itoa(p.ClientTimeout),
		"--client-code-path", args.ClientCodePath,
		"--binary-path", p.BinaryPath,
		"--s3-bucket", p.S3Bucket,
	}, " ")
	if args.Quiet {
		client += " --quiet"
	}
	return "killall -q -9 " + c.BrowserProcess + "; sleep 3; " + activateEnv(args.ClientCodePath) + " && " + client, nil
}

// activateEnv enters the virtualenv at clientPath and then the checkout
// inside it, which shares the virtualenv's name.
func activateEnv(clientPath string) string {
	return strings.Join([]string{
		"cd ~/",
		"cd " + clientPath,
		". ./bin/activate",
		"cd " + projectName(clientPath),
	}, " && ")
}

func projectName(clientPath string) string {
	return path.Base(strings.TrimRight(clientPath, "/"))
}

func checkClientPath(p string) error {
	if err := checkSafe(map[string]string{"client code path": p}); err != nil {
		return err
	}
	switch projectName(p) {
	case ".", "..", "/", "~":
		return fmt.Errorf("%w: client code path %q has no project name", ErrUnsafeArgument, p)
	}
	return nil
}
