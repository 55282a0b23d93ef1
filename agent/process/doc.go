/*
Package process runs a Python module as a child process and relays its output to a single WebSocket client as a stream of JSON events.

Sessions are scoped to the WebSocket connection--that is, if the connection dies for any reason, the child is killed. Stdin is not relayed.

Every message is a server->client event of the form {"type": T, "data": {...}}:

	{"type": "STDOUT", "data": {"pid": 42, "data": "hello\n", "is_input_prompt": false}}
	{"type": "STDERR", "data": {"pid": 42, "data": "oops\n"}}
	{"type": "EXIT",   "data": {"pid": 42, "returncode": 0}}

The protocol proceeds as follows:

1. The client opens a WebSocket connection to the run endpoint with the module name as the last path element.
2. The server spawns the child and streams STDOUT and STDERR events, one per line, in the order each stream produced them. There is no ordering between the two streams.
3. When the child exits and both streams are drained, the server sends exactly one EXIT event and closes the connection.

The child's stdout may also carry prompts: a line consisting of the bytes FF FF FF FF followed by an ASCII decimal length N, then exactly N raw bytes. The N bytes are sent as one STDOUT event with is_input_prompt set, and may span several lines.

If the child cannot be spawned, the server closes the connection with StatusInternalError and no events are sent.
*/
package process
