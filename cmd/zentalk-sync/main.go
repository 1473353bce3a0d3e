// Command zentalk-sync is a terminal client for the conversation backend.
package main

func main() {
	Execute()
}
