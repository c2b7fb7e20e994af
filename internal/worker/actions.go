package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/duskveil/duskveil/internal/humanize"
)

var actionTiming = humanize.NewTiming()

// Evaluator is the subset of sessionpool.Session a task's actions and
// extractors need: run a script in the leased page. Kept as an interface so
// tests can exercise action/extraction logic without a live browser.
type Evaluator interface {
	Evaluate(ctx context.Context, script string) (any, error)
}

// executeAction runs one opaque task action against sess. Kind/Args are not
// interpreted beyond this translation layer; unknown kinds are rejected
// rather than silently ignored.
func executeAction(ctx context.Context, sess Evaluator, kind string, args map[string]any) error {
	humanize.SleepWithContext(ctx, actionTiming.PreActionDelay())

	var err error
	switch kind {
	case "wait":
		err = waitAction(ctx, args)
	case "click":
		selector, _ := args["selector"].(string)
		_, err = sess.Evaluate(ctx, clickScript(selector))
	case "type":
		selector, _ := args["selector"].(string)
		text, _ := args["text"].(string)
		err = typeHumanized(ctx, sess, selector, text)
	case "scroll":
		dy, _ := args["dy"].(float64)
		_, err = sess.Evaluate(ctx, scrollScript(dy))
	default:
		return fmt.Errorf("unknown action kind %q", kind)
	}
	if err != nil {
		return err
	}

	humanize.SleepWithContext(ctx, actionTiming.PostActionDelay())
	return nil
}

// typeHumanized appends one character at a time to selector's value, each
// keystroke separated by actionTiming.TypingDelay(), instead of setting the
// whole value in one DOM write.
func typeHumanized(ctx context.Context, sess Evaluator, selector, text string) error {
	if _, err := sess.Evaluate(ctx, focusScript(selector)); err != nil {
		return err
	}
	for _, r := range text {
		if _, err := sess.Evaluate(ctx, appendCharScript(selector, string(r))); err != nil {
			return err
		}
		if !humanize.SleepWithContext(ctx, actionTiming.TypingDelay()) {
			return ctx.Err()
		}
	}
	_, err := sess.Evaluate(ctx, dispatchChangeScript(selector))
	return err
}

func waitAction(ctx context.Context, args map[string]any) error {
	ms, _ := args["ms"].(float64)
	if ms <= 0 {
		ms = 500
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (el) el.click(); return !!el; })()`, jsString(selector))
}

func focusScript(selector string) string {
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (el) el.focus(); return !!el; })()`, jsString(selector))
}

func appendCharScript(selector, ch string) string {
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.value = (el.value || '') + %s;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;
	})()`, jsString(selector), jsString(ch))
}

func dispatchChangeScript(selector string) string {
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (el) el.dispatchEvent(new Event('change', { bubbles: true })); return !!el; })()`, jsString(selector))
}

func scrollScript(dy float64) string {
	return fmt.Sprintf(`window.scrollBy(0, %s)`, strconv.FormatFloat(dy, 'f', -1, 64))
}

// extractScript returns the JS expression yielding ex's value: a raw
// script if given, else a selector/attribute read, else the selector's
// text content.
func extractScript(selector, attr, script string) string {
	if script != "" {
		return script
	}
	if attr != "" {
		return fmt.Sprintf(`document.querySelector(%s)?.getAttribute(%s)`, jsString(selector), jsString(attr))
	}
	return fmt.Sprintf(`document.querySelector(%s)?.textContent`, jsString(selector))
}

func jsString(s string) string {
	return strconv.Quote(s)
}
