// Command harvester tracks seasonal titles and acquires their episode releases.
package main

import "github.com/JakeFAU/release-harvester/cmd"

func main() {
	cmd.Execute()
}
