package main

import (
	"log"
	"os"

	"github.com/guseggert/vtkhttp/internal/app"
)

func main() {
	if err := app.New().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
