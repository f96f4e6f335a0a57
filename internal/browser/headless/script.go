package headless

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/slotscraper/internal/booking"
)

// queryFor maps a booking selector onto a chromedp query and option.
func queryFor(sel booking.Selector) (string, chromedp.QueryOption) {
	switch sel.By {
	case booking.ByID:
		return "#" + strings.TrimPrefix(sel.Value, "#"), chromedp.ByQuery
	case booking.ByXPath:
		return sel.Value, chromedp.BySearch
	default:
		return sel.Value, chromedp.ByQuery
	}
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshalling a Go string cannot fail.
		panic(err)
	}
	return string(b)
}

// jsLocator returns a JavaScript expression evaluating to the element or null.
func jsLocator(sel booking.Selector) string {
	switch sel.By {
	case booking.ByID:
		return fmt.Sprintf("document.getElementById(%s)", jsString(strings.TrimPrefix(sel.Value, "#")))
	case booking.ByXPath:
		return fmt.Sprintf(
			"document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue",
			jsString(sel.Value))
	default:
		return fmt.Sprintf("document.querySelector(%s)", jsString(sel.Value))
	}
}

// selectScript reports false when the element is missing or has no option
// carrying value; assigning an unknown value would silently clear the choice.
func selectScript(sel booking.Selector, value string) string {
	return fmt.Sprintf(`(() => {
	const el = %s;
	const v = %s;
	if (!el || !el.options) return false;
	if (!Array.from(el.options).some(o => o.value === v)) return false;
	el.value = v;
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
})()`, jsLocator(sel), jsString(value))
}

func interactableScript(sel booking.Selector) string {
	return fmt.Sprintf(`(() => {
	const el = %s;
	if (!el || el.disabled) return false;
	const style = window.getComputedStyle(el);
	if (style.visibility === 'hidden' || style.display === 'none') return false;
	const rect = el.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0;
})()`, jsLocator(sel))
}

// readScript serialises expression to JSON inside the page so that values
// cross the protocol boundary intact.
func readScript(expression string) string {
	return fmt.Sprintf(`(() => {
	try {
		const v = (%s);
		return v === undefined ? "null" : JSON.stringify(v);
	} catch (e) {
		return "null";
	}
})()`, expression)
}

func decodeInjected(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode injected value: %w", err)
	}
	return v, nil
}
