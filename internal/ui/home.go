package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rivo/tview"

	"github.com/zsprackett/notify-overlay/internal/presenter"
)

const historySize = 20

type historyEntry struct {
	id      string
	kind    string
	message string
	asset   string
	at      time.Time
}

// Home shows the current overlay state above a list of recent
// presentations.
type Home struct {
	*tview.Flex
	header  *tview.TextView
	stage   *tview.TextView
	history *tview.Table
	footer  *tview.TextView

	feedURL  string
	state    presenter.DisplayState
	received bool
	entries  []historyEntry
	now      func() time.Time
}

func NewHome(feedURL string) *Home {
	h := &Home{feedURL: feedURL, now: time.Now}

	h.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	h.header.SetBackgroundColor(ColorBackgroundPanel)

	h.stage = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetWrap(true)
	h.stage.SetBackgroundColor(ColorBackground)
	h.stage.SetBorder(true).
		SetBorderColor(ColorBorder).
		SetTitle(" overlay ")

	h.history = tview.NewTable().SetSelectable(false, false)
	h.history.SetBackgroundColor(ColorBackground)
	h.history.SetBorder(true).
		SetBorderColor(ColorBorder).
		SetTitle(" recent ")

	h.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	h.footer.SetBackgroundColor(ColorBackgroundPanel)
	h.footer.SetText("[green]q[-] quit")

	h.Flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(h.header, 1, 0, false).
		AddItem(h.stage, 0, 1, false).
		AddItem(h.history, 0, 1, false).
		AddItem(h.footer, 1, 0, false)

	h.redraw()
	return h
}

// Update records a new state. Call from the tview goroutine.
func (h *Home) Update(st presenter.DisplayState) {
	h.received = true
	if st.PresentationID != "" && st.PresentationID != h.state.PresentationID {
		entry := historyEntry{
			id:      st.PresentationID,
			kind:    st.Kind,
			message: st.Message,
			asset:   st.Asset,
			at:      h.now(),
		}
		h.entries = append([]historyEntry{entry}, h.entries...)
		if len(h.entries) > historySize {
			h.entries = h.entries[:historySize]
		}
	}
	h.state = st
	h.redraw()
}

// Refresh redraws relative times without a new state.
func (h *Home) Refresh() { h.redraw() }

func (h *Home) redraw() {
	h.header.SetText(renderHeader(h.feedURL, h.state, h.received, h.now()))
	h.stage.SetText(renderStage(h.state))

	h.history.Clear()
	for i, e := range h.entries {
		h.history.SetCell(i, 0, tview.NewTableCell(humanize.RelTime(e.at, h.now(), "ago", "from now")).
			SetTextColor(ColorTextMuted))
		h.history.SetCell(i, 1, tview.NewTableCell(e.kind).SetTextColor(ColorPrimary))
		h.history.SetCell(i, 2, tview.NewTableCell(e.message).SetTextColor(ColorText).SetExpansion(1))
		h.history.SetCell(i, 3, tview.NewTableCell(e.asset).SetTextColor(ColorAccent))
	}
}

func status(st presenter.DisplayState, received bool) string {
	switch {
	case !received:
		return "offline"
	case st.Countdown != nil:
		return "countdown"
	case st.Busy():
		return "showing"
	}
	return "idle"
}

func renderHeader(feedURL string, st presenter.DisplayState, received bool, now time.Time) string {
	s := status(st, received)
	icon, _ := StatusIcon(s)
	if !received {
		return fmt.Sprintf(" %s waiting for %s", icon, feedURL)
	}
	line := fmt.Sprintf(" %s %s", icon, s)
	if st.Queued > 0 {
		line += fmt.Sprintf("  [yellow]%d queued[-]", st.Queued)
	}
	if !st.UpdatedAt.IsZero() {
		line += "  [gray]updated " + humanize.RelTime(st.UpdatedAt, now, "ago", "from now") + "[-]"
	}
	return line
}

// renderStage draws the three slots the way the browser page lays them
// out: graphic, message, countdown.
func renderStage(st presenter.DisplayState) string {
	var b strings.Builder
	b.WriteString("\n")
	if st.GraphicVisible {
		fmt.Fprintf(&b, "[::d][ %s ][-:-:-]\n\n", tview.Escape(st.Asset))
	} else {
		b.WriteString("\n\n")
	}
	if st.Message != "" {
		b.WriteString(tagMessage + tview.Escape(st.Message) + "[-:-:-]\n")
	} else {
		b.WriteString("\n")
	}
	if st.Countdown != nil {
		fmt.Fprintf(&b, "%sCountdown: %d[-:-:-]\n", tagCountdown, *st.Countdown)
	}
	return b.String()
}
