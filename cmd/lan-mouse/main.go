// Command lan-mouse is the daemon and CLI client in one binary, mirroring
// the teacher's single wg(1)-style executable that both runs a device and
// talks to one over its UAPI socket.
package main

func main() {
	Execute()
}
