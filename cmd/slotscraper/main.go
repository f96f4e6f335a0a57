package main

import "github.com/JakeFAU/slotscraper/cmd"

func main() {
	cmd.Execute()
}
