package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/catherinevee/integraudit/internal/config"
)

// HandleBusinessRulesCommand shows the business rules, optionally narrowed
// to one edition.
func HandleBusinessRulesCommand(args []string) int {
	var (
		configDir = "config"
		edition   string
		product   string
		version   string
	)

	p := newArgParser(args)
	for {
		arg, ok := p.next()
		if !ok {
			break
		}
		switch arg {
		case "--config":
			configDir = p.value(arg)
		case "--edition":
			edition = p.value(arg)
		case "--tier":
			product = p.value(arg)
		case "--version":
			version = p.value(arg)
		case "--help", "-h":
			fmt.Println(`Usage: integraudit business-rules [--edition NAME] [--tier NAME] [--config DIR]

Show the loaded business rules, or the detail for one license edition.`)
			return exitOK
		default:
			printError(fmt.Errorf("unknown flag %s", arg))
			return exitConfig
		}
		if p.err != nil {
			printError(p.err)
			return exitConfig
		}
	}

	rules, err := config.NewLoader(configDir).LoadBusinessRules(product, version)
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}

	if edition == "" {
		headerColor.Println("Business rules")
		fmt.Printf("Valid editions: %s\n", strings.Join(rules.LicenseValidation.ValidEditions, ", "))
		fmt.Printf("Max settings size: %d bytes\n", rules.LicenseValidation.MaxSettingsSize)
		fmt.Printf("Resource count tolerance: %d\n\n", rules.Tolerances.ResourceCountTolerance)
		printRulesTable(rules)
		return exitOK
	}

	req, ok := rules.EditionFor(edition)
	if !ok {
		printError(fmt.Errorf("edition %q has no requirements", edition))
		return exitConfig
	}

	headerColor.Printf("Edition %s\n", edition)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Requirement", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Imports per store", fmt.Sprintf("%d", req.ImportsPerStore)})
	table.Append([]string{"Exports per store", fmt.Sprintf("%d", req.ExportsPerStore)})
	table.Append([]string{"Flows per store", fmt.Sprintf("%d", req.FlowsPerStore)})
	table.Append([]string{"Required imports", strings.Join(req.RequiredImports, ", ")})
	table.Append([]string{"Required exports", strings.Join(req.RequiredExports, ", ")})
	table.Append([]string{"Required flows", strings.Join(req.RequiredFlows, ", ")})
	table.Render()
	return exitOK
}
