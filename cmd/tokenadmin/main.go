// Package main — служебная утилита ручного изменения баланса токенов.
//
// Пополнение проходит через тот же журнал, что и обычные операции,
// поэтому каждая ручная корректировка оставляет запись в истории.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmeshcher/printapic-backend/internal/ledger"
	"github.com/mmeshcher/printapic-backend/internal/repository"
)

func main() {
	var (
		databaseURI = flag.String("d", os.Getenv("DATABASE_URI"), "database URI")
		userID      = flag.Int64("user", 0, "user id")
		amount      = flag.Int64("amount", 0, "token amount, positive to credit, negative to debit")
		reason      = flag.String("reason", "Manual adjustment", "transaction reason")
	)
	flag.Parse()

	if *databaseURI == "" || *userID == 0 || *amount == 0 {
		fmt.Fprintln(os.Stderr, "usage: tokenadmin -d <database-uri> -user <id> -amount <n> [-reason <text>]")
		os.Exit(2)
	}

	repo, err := repository.NewPostgresRepository(*databaseURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database initialization error: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := repo.GetUserByID(ctx, *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup user %d: %v\n", *userID, err)
		os.Exit(1)
	}

	balance, err := ledger.New(repo).Apply(ctx, *userID, *amount, *reason, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "apply tokens: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("user %s (%d): balance %d -> %d\n", user.Login, user.ID, user.Tokens, balance)
}
