// Package cards holds the value types shared by the card session engine.
//
// Card data is an open mapping of field name to Value, a tagged union of
// null, string, number, bool, list and map. The card API receives data as a
// cardParamMap, a string to string map where non-string values are JSON
// encoded (see Data.ParamMap).
//
// The engine itself lives in the subpackages:
//   - state: the per-card session store, the only write path for card state.
//   - stream: the throttled streaming buffer for progressive AI replies.
//   - form: the typed form-field reducer and validator.
//   - poller: dynamic data source pull tracking.
//   - router: topic based dispatch of gateway events.
//   - session: the orchestrator and the built-in handlers.
package cards
