// Package chat streams chat completions from configured providers.
//
// # Protocols
//
// Endpoints of kind "openai" are called with POST {base}/chat/completions
// and stream:true. The response is read as server-sent events; every data
// line is a JSON chunk whose choices[0].delta carries content and,
// depending on the provider, reasoning_content or reasoning. A data line
// of [DONE] ends the stream.
//
// Endpoints of kind "ollama" go through the Ollama API client. Models that
// wrap their chain of thought in <think> tags have it reported as
// reasoning.
//
// # Callbacks
//
// Client.Send reports deltas through Handlers in arrival order. When the
// stream ends naturally OnComplete fires once; any other failure fires
// OnError once. Cancelling the context passed to Send is silent: neither
// OnComplete nor OnError is called.
//
// # Authentication
//
// Provider resolution decides whether the endpoint wants the identity's
// bearer token or a static API key. If the identity cannot produce a token
// the request is sent without credentials.
package chat
