package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/hako/durafmt"

	"powfaucet/controller"
	"powfaucet/faucet"
)

var (
	titleColor   = color.New(color.FgCyan, color.Bold)
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errColor     = color.New(color.FgRed, color.Bold)
	dimColor     = color.New(color.Faint)
	statusColors = map[controller.MiningStatus]*color.Color{
		controller.StatusIdle:        dimColor,
		controller.StatusStarting:    warnColor,
		controller.StatusRunning:     okColor,
		controller.StatusInterrupted: warnColor,
		controller.StatusStopping:    warnColor,
	}
)

// Renderer prints controller views to a terminal. It only prints what
// changed since the previous view.
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	prev     controller.View
	rendered bool
	now      func() time.Time
}

// NewRenderer returns a renderer writing to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out, now: time.Now}
}

// Render prints the differences between v and the last rendered view.
func (r *Renderer) Render(v controller.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, first := r.prev, !r.rendered
	r.prev, r.rendered = v, true

	if v.Config != nil && (prev.Config == nil || prev.Config.Title != v.Config.Title) {
		titleColor.Fprintf(r.out, "=== %s ===\n", v.Config.Title)
		fmt.Fprintf(r.out, "Minimum claim: %s\n", faucet.FormatAmount(v.Config.MinClaim))
	}

	if first || v.Status != prev.Status || v.Claiming != prev.Claiming || v.Restoring != prev.Restoring {
		label := v.Status.String()
		switch {
		case v.Claiming:
			label += " (claiming reward)"
		case v.Restoring:
			label += " (restoring session)"
		}
		statusColors[v.Status].Fprintf(r.out, "Status: %s\n", label)
	}

	if v.RestoreOffer != nil && prev.RestoreOffer == nil {
		o := v.RestoreOffer
		warnColor.Fprintf(r.out, "Found unfinished session %s for %s (%s, %s old).\n",
			o.SessionID, o.TargetAddr, faucet.FormatAmount(o.Balance), r.age(o.Started()))
		fmt.Fprintln(r.out, "Type 'resume' to continue it or 'discard' to drop it.")
	}

	if v.ClaimOffer != nil && prev.ClaimOffer == nil {
		okColor.Fprintf(r.out, "Claiming %s for %s...\n",
			faucet.FormatAmount(v.ClaimOffer.Balance), v.ClaimOffer.Target)
	}

	if v.Advisory != nil && (prev.Advisory == nil || *v.Advisory != *prev.Advisory) {
		c := warnColor
		if v.Advisory.Fatal {
			c = errColor
		}
		c.Fprintf(r.out, "%s %s\n", v.Advisory.Title, v.Advisory.Message)
		fmt.Fprintln(r.out, "Type 'ok' to dismiss.")
	}

	if v.RequestVerification && !v.HasToken && !(prev.RequestVerification && !prev.HasToken) {
		warnColor.Fprintln(r.out, "Verification required: solve the challenge and enter 'token <value>'.")
	}

	if v.Session != nil && v.Claimable && !prev.Claimable {
		okColor.Fprintf(r.out, "Balance %s is claimable. Type 'stop' to claim.\n", faucet.FormatAmount(v.Session.Balance))
	}
}

// Status prints a full summary of v.
func (r *Renderer) Status(v controller.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.out, "Status:   %s\n", v.Status)
	if v.TargetAddress != "" {
		fmt.Fprintf(r.out, "Target:   %s\n", v.TargetAddress)
	}
	if s := v.Session; s != nil {
		fmt.Fprintf(r.out, "Session:  %s (running %s)\n", s.SessionID, r.age(s.Started()))
		fmt.Fprintf(r.out, "Balance:  %s", faucet.FormatAmount(s.Balance))
		if v.Claimable {
			okColor.Fprint(r.out, " (claimable)")
		}
		fmt.Fprintln(r.out)
	}
	if st := v.Stats; st != nil {
		fmt.Fprintf(r.out, "Workers:  %d, %.1f H/s, %d shares (%d rejected)\n",
			st.Threads, st.HashRate, st.Shares, st.Rejected)
	}
	if v.HasToken {
		fmt.Fprintln(r.out, "Token:    ready")
	}
}

func (r *Renderer) age(since time.Time) string {
	d := r.now().Sub(since).Truncate(time.Second)
	if d < time.Second {
		return "0 seconds"
	}
	return durafmt.Parse(d).LimitFirstN(2).String()
}
