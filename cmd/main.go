package main

import (
	"dropgate/internal/service"
)

func main() {
	service.NewApplication().Run()
}
