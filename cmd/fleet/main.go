// Command fleet runs budget-governed AI agents and monitors their health.
package main

func main() {
	Execute()
}
