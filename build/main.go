package main

import (
	"github.com/tlmx-proxy/tlmx"
)

var Version = "dev"

func main() {
	tlmx.AppVersion = Version
	tlmx.Main()
}
