package notifications

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// ToastNotifier pushes desktop toast notifications for spawn lifecycle
// events. Off Windows it is a no-op rather than an error: the daemon runs
// headless on most deployment targets and a missing notification surface
// should never fail a spawn.
type ToastNotifier struct {
	appID        string
	dashboardURL string
}

// NewToastNotifier creates a new toast notifier.
func NewToastNotifier(appID string) *ToastNotifier {
	if appID == "" {
		appID = "space"
	}
	return &ToastNotifier{
		appID:        appID,
		dashboardURL: "http://localhost:7420",
	}
}

// NewToastNotifierWithURL creates a new toast notifier with a custom status
// surface URL, used as the click-through target.
func NewToastNotifierWithURL(appID, dashboardURL string) *ToastNotifier {
	n := NewToastNotifier(appID)
	if dashboardURL != "" {
		n.dashboardURL = dashboardURL
	}
	return n
}

// ShowToast displays a Windows toast notification with sound. Off Windows
// it returns nil without doing anything.
func (t *ToastNotifier) ShowToast(title, message string) error {
	if runtime.GOOS != "windows" {
		return nil
	}

	notification := toast.Notification{
		AppID:   t.appID,
		Title:   title,
		Message: message,
		Audio:   toast.Default,
		Actions: []toast.Action{
			{
				Type:      "protocol",
				Label:     "Open status",
				Arguments: t.dashboardURL,
			},
		},
	}
	return notification.Push()
}

// NotifyCompletion reports a terminal spawn status (done, timeout,
// terminated, or a canonical stderr classification) as a desktop toast.
// This is the adapter the spawn engine's monitor loop calls on exit; it
// implements spawnengine.CompletionNotifier.
func (t *ToastNotifier) NotifyCompletion(agentHandle, status, detail string) error {
	title := fmt.Sprintf("%s: %s", agentHandle, status)
	return t.ShowToast(title, detail)
}

// IsSupported returns true if toast notifications are supported on this
// platform.
func (t *ToastNotifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}
