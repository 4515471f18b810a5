package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/box-ledger/internal/app"
	"github.com/dvloznov/box-ledger/internal/config"
	"github.com/dvloznov/box-ledger/internal/confirm"
	"github.com/dvloznov/box-ledger/internal/domain"
	"github.com/dvloznov/box-ledger/internal/logger"
	"github.com/dvloznov/box-ledger/internal/money"
	"github.com/dvloznov/box-ledger/internal/service"
)

const commandTimeout = 2 * time.Minute

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Options{})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	switch os.Args[1] {
	case "balance":
		runBalance(cfg, log)
	case "history":
		runHistory(cfg, log)
	case "deposit":
		runRecord(cfg, log, domain.KindDeposit)
	case "withdraw":
		runRecord(cfg, log, domain.KindWithdraw)
	case "delete":
		runDelete(cfg, log)
	case "clear":
		runClear(cfg, log)
	case "sync":
		runSync(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Box Ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  balance   Show the balance of both boxes")
	fmt.Println("  history   List the movements of a box")
	fmt.Println("  deposit   Add an amount to a box")
	fmt.Println("  withdraw  Withdraw an amount from a box")
	fmt.Println("  delete    Delete one movement")
	fmt.Println("  clear     Delete every movement of a box")
	fmt.Println("  sync      Reconcile the local ledger with the server")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// open builds the ledger and brings it up to date. With offline set the
// ledger is hydrated from the mirror only.
func open(cfg *config.Config, log zerolog.Logger, offline bool) (*app.App, context.Context, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to build ledger")
	}
	if offline {
		a.Monitor.SetOnline(false)
	}
	if !a.Service.Startup(ctx) && !offline {
		log.Warn().Msg("Reconciliation failed, showing mirrored data")
	}

	return a, ctx, func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close ledger")
		}
		cancel()
	}
}

func parseBoxFlag(log zerolog.Logger, s string) domain.Box {
	b, err := domain.ParseBox(s)
	if err != nil {
		log.Fatal().Err(err).Msg("Error: -box must be personal or marketing")
	}
	return b
}

func runBalance(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	offline := fs.Bool("offline", false, "Read the mirrored snapshot without contacting the server")
	fs.Parse(os.Args[2:])

	a, _, done := open(cfg, log, *offline)
	defer done()

	for _, b := range domain.Boxes {
		printBalance(os.Stdout, a.Formatter, b, a.Service.Balance(b), len(a.Service.History(b)))
	}
}

func runHistory(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	box := fs.String("box", "", "Box to list (personal or marketing)")
	offline := fs.Bool("offline", false, "Read the mirrored snapshot without contacting the server")
	fs.Parse(os.Args[2:])

	b := parseBoxFlag(log, *box)
	a, _, done := open(cfg, log, *offline)
	defer done()

	printBalance(os.Stdout, a.Formatter, b, a.Service.Balance(b), len(a.Service.History(b)))
	printHistory(os.Stdout, a.Formatter, a.Service.History(b))
}

func runRecord(cfg *config.Config, log zerolog.Logger, kind domain.Kind) {
	fs := flag.NewFlagSet(string(kind), flag.ExitOnError)
	box := fs.String("box", "", "Target box (personal or marketing)")
	amount := fs.String("amount", "", "Positive amount, e.g. 12.50")
	description := fs.String("description", "", "Description (required for withdrawals)")
	icon := fs.String("icon", "", "Icon shown next to the movement")
	receipt := fs.String("receipt", "", "Path to a receipt file to attach")
	fs.Parse(os.Args[2:])

	b := parseBoxFlag(log, *box)
	magnitude, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(*amount), ",", "."))
	if err != nil {
		log.Fatal().Err(err).Str("amount", *amount).Msg("Error: -amount is not a number")
	}

	entry := service.Entry{Box: b, Magnitude: magnitude, Description: *description, Icon: *icon}
	if *receipt != "" {
		f, err := os.Open(*receipt)
		if err != nil {
			log.Fatal().Err(err).Str("file", *receipt).Msg("Failed to open receipt")
		}
		defer f.Close()
		entry.Attachment = &service.Attachment{
			Name:        filepath.Base(*receipt),
			ContentType: mime.TypeByExtension(filepath.Ext(*receipt)),
			Body:        f,
		}
	}

	a, ctx, done := open(cfg, log, false)
	defer done()

	var out service.Outcome
	if kind == domain.KindWithdraw {
		out = a.Service.Withdraw(ctx, entry)
	} else {
		out = a.Service.Deposit(ctx, entry)
	}
	report(log, a.Formatter, out)
}

func runDelete(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	box := fs.String("box", "", "Box of the movement")
	id := fs.String("id", "", "Movement id")
	yes := fs.Bool("yes", false, "Confirm the deletion")
	fs.Parse(os.Args[2:])

	b := parseBoxFlag(log, *box)
	movementID, err := strconv.ParseInt(*id, 10, 64)
	if err != nil {
		log.Fatal().Err(err).Msg("Error: -id must be a movement id")
	}

	flow, err := confirm.Flow{}.RequestDelete(b, movementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open confirmation")
	}
	if !*yes {
		fmt.Printf("Deleting movement %d from %s needs -yes\n", movementID, b.Label())
		os.Exit(1)
	}
	_, action, err := flow.Confirm()
	if err != nil {
		log.Fatal().Err(err).Msg("Confirmation failed")
	}
	del := action.(confirm.ActionDelete)

	a, ctx, done := open(cfg, log, false)
	defer done()
	report(log, a.Formatter, a.Service.Delete(ctx, del.Box, del.ID))
}

func runClear(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	box := fs.String("box", "", "Box to clear")
	word := fs.String("confirm", "", "Type "+confirm.ClearToken+" to confirm")
	fs.Parse(os.Args[2:])

	b := parseBoxFlag(log, *box)
	if !strings.EqualFold(strings.TrimSpace(*word), confirm.ClearToken) {
		fmt.Printf("Clearing %s needs -confirm %s\n", b.Label(), confirm.ClearToken)
		os.Exit(1)
	}

	a, ctx, done := open(cfg, log, false)
	defer done()
	report(log, a.Formatter, a.Service.Clear(ctx, b))
}

func runSync(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	a, ctx, done := open(cfg, log, false)
	defer done()

	if !a.Service.ReconcileNow(ctx) {
		done()
		os.Exit(1)
	}
	for _, b := range domain.Boxes {
		printBalance(os.Stdout, a.Formatter, b, a.Service.Balance(b), len(a.Service.History(b)))
	}
}

func report(log zerolog.Logger, f money.Formatter, out service.Outcome) {
	if !out.OK() {
		ev := log.Error()
		if out.Err != nil {
			ev = ev.Err(out.Err)
		}
		ev.Str("box", string(out.Box)).Msg(out.Message)
		fmt.Println(out.Message)
		return
	}
	fmt.Println(out.Message)
	if out.Movement != nil {
		printMovement(os.Stdout, f, *out.Movement)
	}
}

func printBalance(w io.Writer, f money.Formatter, b domain.Box, balance decimal.Decimal, count int) {
	fmt.Fprintf(w, "%-10s %14s  (%d movements)\n", b.Label(), f.Format(balance), count)
}

func printHistory(w io.Writer, f money.Formatter, history []domain.Movement) {
	if len(history) == 0 {
		fmt.Fprintln(w, "  no movements")
		return
	}
	for _, m := range history {
		printMovement(w, f, m)
	}
}

func printMovement(w io.Writer, f money.Formatter, m domain.Movement) {
	when := domain.Timestamp(m.Timestamp).Local().Format("2006-01-02 15:04")
	line := fmt.Sprintf("  %d  %s  %s %-30s %14s", m.ID, when, m.Icon, m.Description, f.Format(m.Amount))
	if m.HasReceipt() {
		line += "  [" + *m.ReceiptURL + "]"
	}
	fmt.Fprintln(w, line)
}
