// Package root implements the actor every debugger connection starts with. It
// greets the client and tells it which actors serve the debuggable pages.
package root

import (
	"github.com/liuxd6825/devtools/devtools/actor"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/script"
)

// ApplicationType is advertised in the greeting.
const ApplicationType = "browser"

// Tab describes one debuggable page and the actors serving it.
type Tab struct {
	Title            string            `json:"title"`
	URL              string            `json:"url"`
	OuterWindowID    script.PipelineID `json:"outerWindowID"`
	PerformanceActor string            `json:"performanceActor"`
	ProfilerActor    string            `json:"profilerActor"`
}

// Greeting is the first packet written on every connection.
type Greeting struct {
	From            string   `json:"from"`
	ApplicationType string   `json:"applicationType"`
	Traits          struct{} `json:"traits"`
}

type listTabsReply struct {
	From     string `json:"from"`
	Selected int    `json:"selected"`
	Tabs     []Tab  `json:"tabs"`
}

// Actor is the root actor of a connection.
type Actor struct {
	tabs []Tab
}

var _ actor.Actor = &Actor{}

// New creates a root actor listing tabs.
func New(tabs []Tab) *Actor {
	return &Actor{tabs: tabs}
}

// Name implements actor.Actor.
func (a *Actor) Name() string { return actor.RootName }

// Greeting returns the packet announcing the server to a new client.
func (a *Actor) Greeting() Greeting {
	return Greeting{From: actor.RootName, ApplicationType: ApplicationType}
}

// Handle implements actor.Actor.
func (a *Actor) Handle(_ *actor.Registry, msg protocol.Packet, stream protocol.Writer) (actor.Status, error) {
	if msg.Type != "listTabs" {
		return actor.Ignored, nil
	}
	tabs := a.tabs
	if tabs == nil {
		tabs = []Tab{}
	}
	return actor.Processed, stream.WritePacket(listTabsReply{From: actor.RootName, Tabs: tabs})
}
