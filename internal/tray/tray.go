//go:build !linux

package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/IronMaple/battery-agent/internal/api"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/IronMaple/battery-agent/internal/tag"
	"github.com/getlantern/systray"
)

// actionTimeout bounds how long a tray click waits for a tag.
const actionTimeout = 15 * time.Second

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	agent      *tag.Agent
	readers    core.ContextFactory
	onQuit     func()
	mu         sync.Mutex
	busy       bool

	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
	mTag     *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, agent *tag.Agent, readers core.ContextFactory, onQuit func()) *TrayApp {
	if readers == nil {
		readers = core.DefaultContextFactory{}
	}
	return &TrayApp{
		serverAddr: serverAddr,
		agent:      agent,
		readers:    readers,
		onQuit:     onQuit,
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a
// goroutine. It blocks until the tray quits or ctx is done, and must be
// called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(ctx context.Context, serverStart func()) {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("")
	systray.SetTooltip("Battery Agent")

	mVersion := systray.AddMenuItem(versionTitle(api.Version), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected NFC readers")
	t.mReaders.Disable()
	t.mTag = systray.AddMenuItem("Last tag: none", "Most recent tag action")
	t.mTag.Disable()

	systray.AddSeparator()

	mRead := systray.AddMenuItem("Read Tag", "Read the battery on the reader")
	mRobot := systray.AddMenuItem("Log Robot Use", "Append a robot usage entry")
	mCharge := systray.AddMenuItem("Log Charge", "Append a charge entry and count a cycle")

	systray.AddSeparator()

	mLogs := systray.AddMenuItem("Open Logs", "Open the log endpoint in a browser")
	mQuit := systray.AddMenuItem("Quit", "Exit Battery Agent")

	go t.updateStatus()

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mRead.ClickedCh:
				t.run("read", t.agent.Read)
			case <-mRobot.ClickedCh:
				t.run("robot", t.agent.MockRobot)
			case <-mCharge.ClickedCh:
				t.run("charge", t.agent.Charge)
			case <-mLogs.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/logs", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

// run starts a tag action unless one started from the tray is still
// waiting for a tag.
func (t *TrayApp) run(name string, fn func(context.Context) (tag.Snapshot, error)) {
	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		return
	}
	t.busy = true
	t.mTag.SetTitle("Last tag: waiting for tag...")
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	results := t.agent.Go(ctx, fn)
	go func() {
		defer cancel()
		res := <-results

		t.mu.Lock()
		t.busy = false
		t.mTag.SetTitle(tagTitle(res))
		t.mu.Unlock()

		if res.Err != nil {
			logging.Warn(logging.CatSystem, "Tray action failed", map[string]any{
				"action": name,
				"error":  res.Err.Error(),
			})
		}
	}()
}

func (t *TrayApp) updateStatus() {
	readers, err := core.ListReaders(t.readers)
	if err != nil {
		readers = nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mStatus.SetTitle("Status: Running")
	t.mReaders.SetTitle(readerTitle(len(readers)))
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	_ = cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
