/*
Package relay streams the progress of a CLI invocation to a WebSocket client.

Each WebSocket connection is one session running one child process. Sessions share nothing.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a single request message: {"subcommand": "...", "flags": [...], "positional": [...]}.
 3. The server runs the CLI with the argument vector [subcommand] + flags + positional.
 4. For every stdout line that is a standalone JSON value, the server sends {"progress": <value>}.
    The CLI's progress formatter writes one separator byte after each such line, which is skipped.
 5. The first line that is not standalone JSON starts the result. Everything from there to EOF is parsed
    as one JSON value and sent as {"finished": <value>}.
 6. The server closes the connection with a normal closure.

There is no error message type. If the process can't be started, or its output ends without a result,
or the result isn't valid JSON, the server closes the connection with an internal error status instead of
sending a finished message. Progress messages already sent are not retracted.

The server never kills the child. If the client goes away, the server closes its end of the stdout pipe and
reaps the child whenever it exits.
*/
package relay
