package main

import thermopanel "github.com/kradalby/thermostat-panel"

func main() {
	thermopanel.Main()
}
