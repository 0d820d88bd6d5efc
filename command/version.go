package command

type VersionCommand struct {
	Meta
	Version string
}

func (c *VersionCommand) Help() string {
	return ""
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the sirr version"
}

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(c.Version)
	return 0
}
