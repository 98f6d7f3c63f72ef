package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/catherinevee/integraudit/internal/config"
)

// HandleProductsCommand lists the products that carry rule overrides.
func HandleProductsCommand(args []string) int {
	var (
		configDir = "config"
		product   string
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
		case "--list":
			// Listing is the default.
		case "--product":
			product = p.value(arg)
		case "--help", "-h":
			fmt.Println(`Usage: integraudit products [--list] [--product NAME] [--config DIR]

List products with rule overrides, or show one product's effective rules.`)
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

	loader := config.NewLoader(configDir)

	if product != "" {
		rules, err := loader.LoadBusinessRules(product, "")
		if err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		headerColor.Printf("Effective rules for product %q\n", product)
		printRulesTable(rules)
		return exitOK
	}

	products, err := loader.ListProducts()
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	if len(products) == 0 {
		fmt.Println("No product overrides; every product uses the base rules")
		return exitOK
	}
	headerColor.Println("Products with rule overrides")
	for _, name := range products {
		fmt.Println("  " + name)
	}
	return exitOK
}

func printRulesTable(rules *config.BusinessRules) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Edition", "Imports/store", "Exports/store", "Flows/store", "Required"})
	table.SetBorder(false)
	for _, edition := range rules.LicenseValidation.ValidEditions {
		req, ok := rules.EditionFor(edition)
		if !ok {
			table.Append([]string{edition, "-", "-", "-", "no requirements"})
			continue
		}
		required := len(req.RequiredImports) + len(req.RequiredExports) + len(req.RequiredFlows)
		table.Append([]string{
			edition,
			fmt.Sprintf("%d", req.ImportsPerStore),
			fmt.Sprintf("%d", req.ExportsPerStore),
			fmt.Sprintf("%d", req.FlowsPerStore),
			fmt.Sprintf("%d resources", required),
		})
	}
	table.Render()
}
