// Package protocol defines the message catalog exchanged between game
// server nodes and the coordinator, together with the two wire layouts
// (V0 and V1) used to frame it.
//
// Every frame is a JSON object with a "type" naming the message kind. V0
// frames carry their payload in "data" and correlate replies with a random
// "uuid"; V1 frames use "packet" and an integer "talk" id. Encoding is a pure
// function of (version, message, talk id) so a connection only needs to
// remember which Version it negotiated.
package protocol
