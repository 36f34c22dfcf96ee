// Command quad runs the campus messaging server.
package main

import (
	"log"

	"quad/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
