package response

// DelayedResponse is the closed sum of response flavors a plugin operation
// may return. The dispatcher classifies by the Kind each flavor reports.
type DelayedResponse interface {
	CallID() string
	Kind() Kind
	OnError(func(error))
	AddCleanupCallback(func())
	AddResourceCleanupCallback(func())
	isDelayedResponse()
}

// Slow completes later with a final result payload.
type Slow struct {
	*lifecycle
}

// End completes the call and delivers result.
func (s *Slow) End(result any) error {
	return s.end(result)
}

// Observable streams progress; its end carries no payload.
type Observable struct {
	*lifecycle
}

// End completes the call.
func (o *Observable) End() error {
	return o.end(nil)
}

// CMBSlow is a slow response that also polls the external webhook.
type CMBSlow struct {
	*lifecycle
}

// End completes the call and delivers result.
func (s *CMBSlow) End(result any) error {
	return s.end(result)
}

// OnExternalComplete registers the callback invoked when the external webhook
// reports completed. Polling stops after the first completed report and on
// terminal completion of the response.
func (s *CMBSlow) OnExternalComplete(cb func(map[string]any)) {
	s.setExternalCallback(cb)
}

// CMBObservable is an observable response that also polls the external webhook.
type CMBObservable struct {
	*lifecycle
}

// End completes the call.
func (o *CMBObservable) End() error {
	return o.end(nil)
}

// OnExternalComplete registers the callback invoked when the external webhook
// reports completed.
func (o *CMBObservable) OnExternalComplete(cb func(map[string]any)) {
	o.setExternalCallback(cb)
}

var (
	_ DelayedResponse = (*Slow)(nil)
	_ DelayedResponse = (*Observable)(nil)
	_ DelayedResponse = (*CMBSlow)(nil)
	_ DelayedResponse = (*CMBObservable)(nil)
)
