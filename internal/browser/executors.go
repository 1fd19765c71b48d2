package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/auxproto/aux-go/internal/schema"
	"github.com/auxproto/aux-go/internal/types"
)

// Error categories used in error responses.
const (
	typeSession     = "session"
	typeTimeout     = "timeout"
	typeNavigation  = "navigation_error"
	typeInteraction = "interaction_error"
	typeExtraction  = "extraction_error"
)

// sessionError maps a session lookup failure to its error response.
func sessionError(id string, err error) *schema.ErrorResponse {
	code := schema.ErrCodeSessionNotFound
	if errors.Is(err, types.ErrSessionClosed) {
		code = schema.ErrCodeSessionClosed
	}
	return schema.NewErrorResponse(id, code, typeSession, err.Error())
}

// commandContext derives the driver deadline from the command timeout.
func commandContext(timeoutMs int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
}

// ExecuteNavigate loads a URL in the session's page. logSID is the
// externally meaningful session identity used in log events.
func (m *Manager) ExecuteNavigate(cmd *schema.NavigateCommand, logSID string) (*schema.NavigateResponse, *schema.ErrorResponse) {
	session, err := m.GetSession(cmd.SessionID)
	if err != nil {
		return nil, sessionError(cmd.ID, err)
	}
	page := session.Page()

	headers := make(map[string]string, len(cmd.ExtraHeaders)+1)
	for k, v := range cmd.ExtraHeaders {
		headers[k] = v
	}
	if cmd.Referer != "" {
		headers["Referer"] = cmd.Referer
	}
	if len(headers) > 0 {
		if err := page.SetExtraHeaders(headers); err != nil {
			log.Warn().Err(err).Str("session_id", logSID).Msg("Failed to stage navigation headers")
		}
	}

	ctx, cancel := commandContext(cmd.TimeoutMs)
	defer cancel()

	start := time.Now()
	status, err := page.Goto(ctx, cmd.URL, cmd.WaitUntil)
	loadTime := time.Since(start).Milliseconds()
	if err != nil {
		if IsTimeout(err) {
			return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeTimeout, typeTimeout,
				fmt.Sprintf("navigation to %s timed out after %dms", cmd.URL, cmd.TimeoutMs))
		}
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeNavigationFailed, typeNavigation,
			fmt.Sprintf("navigation to %s failed: %v", cmd.URL, err))
	}

	finalURL := page.URL()
	title, err := page.Title()
	if err != nil {
		log.Warn().Err(err).Str("session_id", logSID).Msg("Failed to read page title")
	}

	m.slog.LogNavigation(logSID, cmd.ID, finalURL, status, loadTime)

	resp := &schema.NavigateResponse{
		BaseResponse: schema.NewBaseResponse(cmd.ID),
		URL:          finalURL,
		Title:        title,
		StatusCode:   status,
		Redirected:   finalURL != cmd.URL,
		LoadTimeMs:   loadTime,
	}
	return resp, nil
}

// ExecuteClick clicks the first element matching the selector.
func (m *Manager) ExecuteClick(cmd *schema.ClickCommand, logSID string) (*schema.ClickResponse, *schema.ErrorResponse) {
	session, err := m.GetSession(cmd.SessionID)
	if err != nil {
		return nil, sessionError(cmd.ID, err)
	}

	locator := session.Page().Locator(cmd.Selector)
	count, err := locator.Count()
	if err != nil {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotFound, typeInteraction,
			fmt.Sprintf("selector %q failed: %v", cmd.Selector, err))
	}
	if count == 0 {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotFound, typeInteraction,
			fmt.Sprintf("no element matches selector %q", cmd.Selector))
	}

	el, err := locator.Nth(0)
	if err != nil {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotFound, typeInteraction, err.Error())
	}

	visible, err := el.IsVisible()
	if err != nil {
		log.Debug().Err(err).Msg("Visibility check failed, assuming hidden")
	}
	if !visible && !cmd.Force {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotVisible, typeInteraction,
			fmt.Sprintf("element %q is not visible", cmd.Selector))
	}

	text, _ := el.TextContent()
	tag, _ := el.TagName()

	clickPos, driverPos := clickPosition(el, cmd.Position)

	ctx, cancel := commandContext(cmd.TimeoutMs)
	defer cancel()

	err = el.Click(ctx, ClickOptions{
		Button:     cmd.Button,
		ClickCount: cmd.ClickCount,
		Force:      cmd.Force,
		Position:   driverPos,
	})
	if err != nil {
		if IsTimeout(err) {
			return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeTimeout, typeTimeout,
				fmt.Sprintf("click on %q timed out after %dms", cmd.Selector, cmd.TimeoutMs))
		}
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotInteractable, typeInteraction,
			fmt.Sprintf("click on %q failed: %v", cmd.Selector, err))
	}

	m.slog.LogInteraction(logSID, cmd.ID, "click", cmd.Selector)

	resp := &schema.ClickResponse{
		BaseResponse:   schema.NewBaseResponse(cmd.ID),
		ElementFound:   true,
		ElementVisible: visible,
		ClickPosition:  clickPos,
		ElementText:    strings.TrimSpace(text),
		ElementTag:     strings.ToLower(tag),
	}
	return resp, nil
}

// clickPosition computes the reported click coordinate and the absolute
// point handed to the driver when a relative position was requested.
func clickPosition(el Element, pos *schema.Position) (schema.ClickPosition, *Point) {
	box, err := el.BoundingBox()
	if err != nil || box == nil {
		return schema.ClickPosition{}, nil
	}
	if pos != nil {
		p := Point{X: box.X + box.Width*pos.X, Y: box.Y + box.Height*pos.Y}
		return schema.ClickPosition{X: int(p.X), Y: int(p.Y)}, &p
	}
	return schema.ClickPosition{X: int(box.X + box.Width/2), Y: int(box.Y + box.Height/2)}, nil
}

// ExecuteFill fills text into the first element matching the selector.
func (m *Manager) ExecuteFill(cmd *schema.FillCommand, logSID string) (*schema.FillResponse, *schema.ErrorResponse) {
	session, err := m.GetSession(cmd.SessionID)
	if err != nil {
		return nil, sessionError(cmd.ID, err)
	}

	locator := session.Page().Locator(cmd.Selector)
	count, err := locator.Count()
	if err != nil || count == 0 {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotFound, typeInteraction,
			fmt.Sprintf("no element matches selector %q", cmd.Selector))
	}
	el, err := locator.Nth(0)
	if err != nil {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotFound, typeInteraction, err.Error())
	}

	tag, _ := el.TagName()
	tag = strings.ToLower(tag)

	elementType := tag
	if typeAttr, ok, err := el.GetAttribute("type"); err == nil && ok && typeAttr != "" {
		elementType = typeAttr
	}

	previousValue := ""
	if tag == "input" || tag == "textarea" {
		previousValue, _ = el.InputValue()
	}

	fail := func(action string, err error) *schema.ErrorResponse {
		if IsTimeout(err) {
			return schema.NewErrorResponse(cmd.ID, schema.ErrCodeTimeout, typeTimeout,
				fmt.Sprintf("%s on %q timed out after %dms", action, cmd.Selector, cmd.TimeoutMs))
		}
		return schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotInteractable, typeInteraction,
			fmt.Sprintf("%s on %q failed: %v", action, cmd.Selector, err))
	}

	if cmd.ClearFirst {
		if err := el.Clear(); err != nil {
			return nil, fail("clear", err)
		}
	}

	if cmd.TypingDelayMs > 0 {
		err = el.Type(cmd.Text, time.Duration(cmd.TypingDelayMs)*time.Millisecond)
	} else {
		err = el.Fill(cmd.Text)
	}
	if err != nil {
		return nil, fail("fill", err)
	}

	if cmd.PressEnter {
		if err := el.Press("enter"); err != nil {
			return nil, fail("press enter", err)
		}
	}

	currentValue := cmd.Text
	if tag == "input" || tag == "textarea" {
		if v, err := el.InputValue(); err == nil {
			currentValue = v
		}
	}

	m.slog.LogInteraction(logSID, cmd.ID, "fill", cmd.Selector)

	resp := &schema.FillResponse{
		BaseResponse:     schema.NewBaseResponse(cmd.ID),
		ElementFound:     true,
		ElementType:      elementType,
		TextEntered:      cmd.Text,
		PreviousValue:    previousValue,
		CurrentValue:     currentValue,
		ValidationPassed: !cmd.ValidateInput || currentValue == cmd.Text,
	}
	return resp, nil
}

// ExecuteExtract reads data from elements matching the selector. Failures
// on individual elements are recorded in their metadata and do not abort
// the extraction.
func (m *Manager) ExecuteExtract(cmd *schema.ExtractCommand, logSID string) (*schema.ExtractResponse, *schema.ErrorResponse) {
	session, err := m.GetSession(cmd.SessionID)
	if err != nil {
		return nil, sessionError(cmd.ID, err)
	}

	locator := session.Page().Locator(cmd.Selector)
	count, err := locator.Count()
	if err != nil {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeExtractionFailed, typeExtraction,
			fmt.Sprintf("selector %q failed: %v", cmd.Selector, err))
	}
	if count == 0 {
		return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeElementNotFound, typeExtraction,
			fmt.Sprintf("no element matches selector %q", cmd.Selector))
	}

	k := 1
	if cmd.Multiple {
		k = count
	}

	values := make([]string, 0, k)
	info := make([]schema.ElementInfo, 0, k)

	for i := 0; i < k; i++ {
		value, meta := m.extractOne(locator, i, cmd)
		values = append(values, value)
		info = append(info, meta)
	}

	var data any
	if cmd.Multiple {
		data = values
	} else {
		data = values[0]
	}

	m.slog.LogExtraction(logSID, cmd.ID, cmd.Selector, cmd.ExtractType, count)

	resp := &schema.ExtractResponse{
		BaseResponse:  schema.NewBaseResponse(cmd.ID),
		ElementsFound: count,
		Data:          data,
		ElementInfo:   info,
	}
	return resp, nil
}

// extractOne applies the extractor to the i-th match. Errors are captured
// in the element metadata with an empty value.
func (m *Manager) extractOne(locator Locator, i int, cmd *schema.ExtractCommand) (string, schema.ElementInfo) {
	meta := schema.ElementInfo{Tag: "unknown", Index: i}

	el, err := locator.Nth(i)
	if err != nil {
		meta.Error = err.Error()
		return "", meta
	}

	if tag, err := el.TagName(); err == nil {
		meta.Tag = strings.ToLower(tag)
	}
	if class, err := el.ClassName(); err == nil {
		meta.Class = class
	}

	var value string
	switch cmd.ExtractType {
	case schema.ExtractText:
		value, err = el.TextContent()
		if err == nil && cmd.TrimWhitespace {
			value = strings.TrimSpace(value)
		}
	case schema.ExtractHTML:
		value, err = el.InnerHTML()
	case schema.ExtractAttribute:
		var present bool
		value, present, err = el.GetAttribute(cmd.AttributeName)
		if err == nil && !present {
			value = ""
		}
	case schema.ExtractProperty:
		value, err = el.Property(cmd.PropertyName)
	default:
		err = fmt.Errorf("unknown extract type %q", cmd.ExtractType)
	}
	if err != nil {
		meta.Error = err.Error()
		return "", meta
	}
	return value, meta
}

// ExecuteWait waits for a page or element condition. A custom JS predicate,
// when present, is the sole waiter; otherwise the condition branch runs,
// optionally followed by a text-content wait.
func (m *Manager) ExecuteWait(cmd *schema.WaitCommand, logSID string) (*schema.WaitResponse, *schema.ErrorResponse) {
	session, err := m.GetSession(cmd.SessionID)
	if err != nil {
		return nil, sessionError(cmd.ID, err)
	}
	page := session.Page()

	ctx, cancel := commandContext(cmd.TimeoutMs)
	defer cancel()

	start := time.Now()
	poll := time.Duration(cmd.PollIntervalMs) * time.Millisecond

	timeoutResp := func() *schema.ErrorResponse {
		waited := time.Since(start).Milliseconds()
		return schema.NewErrorResponse(cmd.ID, schema.ErrCodeWaitTimeout, typeTimeout,
			fmt.Sprintf("wait for %q timed out after %dms", cmd.Condition, cmd.TimeoutMs)).
			WithDetails(map[string]any{
				"condition":    cmd.Condition,
				"wait_time_ms": waited,
			})
	}

	var finalState string
	elementCount := 0

	if cmd.CustomJS != "" {
		if err := page.WaitForFunction(ctx, cmd.CustomJS, poll); err != nil {
			if IsTimeout(err) {
				return nil, timeoutResp()
			}
			return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeUnknown, typeInteraction,
				fmt.Sprintf("custom wait predicate failed: %v", err))
		}
		finalState = schema.StateCustomConditionMet
	} else {
		switch cmd.Condition {
		case schema.WaitLoad, schema.WaitDOMContentLoaded, schema.WaitNetworkIdle:
			if err := page.WaitForLoadState(ctx, cmd.Condition); err != nil {
				if IsTimeout(err) {
					return nil, timeoutResp()
				}
				return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeUnknown, typeNavigation,
					fmt.Sprintf("wait for load state %q failed: %v", cmd.Condition, err))
			}
			finalState = loadFinalState(cmd.Condition)
		default:
			locator := page.Locator(cmd.Selector)
			if err := locator.WaitFor(ctx, cmd.Condition, poll); err != nil {
				if IsTimeout(err) {
					return nil, timeoutResp()
				}
				return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeUnknown, typeInteraction,
					fmt.Sprintf("wait for %q failed: %v", cmd.Condition, err))
			}
			finalState = elementFinalState(cmd.Condition)
			if cmd.Condition != schema.WaitDetached {
				if n, err := locator.Count(); err == nil {
					elementCount = n
				}
			}
		}

		if cmd.TextContent != "" && cmd.Selector != "" {
			js := fmt.Sprintf(
				"document.querySelector(%q) && document.querySelector(%q).textContent && document.querySelector(%q).textContent.includes(%q)",
				cmd.Selector, cmd.Selector, cmd.Selector, cmd.TextContent)
			if err := page.WaitForFunction(ctx, js, poll); err != nil {
				if IsTimeout(err) {
					return nil, timeoutResp()
				}
				return nil, schema.NewErrorResponse(cmd.ID, schema.ErrCodeUnknown, typeInteraction,
					fmt.Sprintf("wait for text content failed: %v", err))
			}
			finalState = schema.StateTextContentFound
		}
	}

	waited := time.Since(start).Milliseconds()
	m.slog.LogWaitCondition(logSID, cmd.ID, cmd.Condition, finalState, waited)

	resp := &schema.WaitResponse{
		BaseResponse: schema.NewBaseResponse(cmd.ID),
		ConditionMet: true,
		WaitTimeMs:   waited,
		FinalState:   finalState,
		ElementCount: elementCount,
		ConditionDetails: schema.ConditionDetails{
			Condition: cmd.Condition,
			Selector:  cmd.Selector,
			Timeout:   cmd.TimeoutMs,
		},
	}
	return resp, nil
}

func loadFinalState(condition string) string {
	switch condition {
	case schema.WaitDOMContentLoaded:
		return schema.StateDOMContentLoaded
	case schema.WaitNetworkIdle:
		return schema.StateNetworkIdle
	default:
		return schema.StatePageLoaded
	}
}

func elementFinalState(condition string) string {
	switch condition {
	case schema.WaitHidden:
		return schema.StateElementHidden
	case schema.WaitAttached:
		return schema.StateElementAttached
	case schema.WaitDetached:
		return schema.StateElementDetached
	default:
		return schema.StateElementVisible
	}
}
