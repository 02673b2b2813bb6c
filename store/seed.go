package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// demoRowCount is how many fixture rows each demo table gets.
const demoRowCount = 50

// seed populates the demo tables with deterministic fixture data. Tables
// that already hold rows are left untouched, so reopening an existing
// database file is a no-op.
func (s *SQLite) seed(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	if err := seedCustomers(ctx, tx); err != nil {
		return err
	}
	if err := seedProducts(ctx, tx); err != nil {
		return err
	}
	if err := seedOrders(ctx, tx); err != nil {
		return err
	}
	if err := seedOrderDetails(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	s.log.Debug("demo data seeded", "rowsPerTable", demoRowCount)
	return nil
}

func tableEmpty(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var count int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", table)).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count == 0, nil
}

func seedCustomers(ctx context.Context, tx *sql.Tx) error {
	empty, err := tableEmpty(ctx, tx, "Customers")
	if err != nil || !empty {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO Customers (CustomerID, CustomerName, ContactName, Address, City, PostalCode, Country)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare Customers insert: %w", err)
	}
	defer stmt.Close()
	for i := 1; i <= demoRowCount; i++ {
		_, err := stmt.ExecContext(ctx,
			i,
			fmt.Sprintf("Customer %d", i),
			fmt.Sprintf("Contact %d", i),
			fmt.Sprintf("Address %d", i),
			fmt.Sprintf("City %d", i%10),
			fmt.Sprintf("%d", 10000+i),
			fmt.Sprintf("Country %d", i%5),
		)
		if err != nil {
			return fmt.Errorf("failed to insert customer %d: %w", i, err)
		}
	}
	return nil
}

func seedProducts(ctx context.Context, tx *sql.Tx) error {
	empty, err := tableEmpty(ctx, tx, "Products")
	if err != nil || !empty {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO Products (ProductID, ProductName, Price)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare Products insert: %w", err)
	}
	defer stmt.Close()
	for i := 1; i <= demoRowCount; i++ {
		_, err := stmt.ExecContext(ctx, i, fmt.Sprintf("Product %d", i), 10+float64(i)*0.5)
		if err != nil {
			return fmt.Errorf("failed to insert product %d: %w", i, err)
		}
	}
	return nil
}

func seedOrders(ctx context.Context, tx *sql.Tx) error {
	empty, err := tableEmpty(ctx, tx, "Orders")
	if err != nil || !empty {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO Orders (OrderID, CustomerID, OrderDate)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare Orders insert: %w", err)
	}
	defer stmt.Close()
	baseDate := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= demoRowCount; i++ {
		orderDate := baseDate.AddDate(0, 0, i).Format("2006-01-02")
		_, err := stmt.ExecContext(ctx, i, i%demoRowCount+1, orderDate)
		if err != nil {
			return fmt.Errorf("failed to insert order %d: %w", i, err)
		}
	}
	return nil
}

func seedOrderDetails(ctx context.Context, tx *sql.Tx) error {
	empty, err := tableEmpty(ctx, tx, "OrderDetails")
	if err != nil || !empty {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO OrderDetails (OrderDetailID, OrderID, ProductID, Quantity)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare OrderDetails insert: %w", err)
	}
	defer stmt.Close()
	for i := 1; i <= demoRowCount; i++ {
		_, err := stmt.ExecContext(ctx, i, i%demoRowCount+1, i%demoRowCount+1, (i%5+1)*2)
		if err != nil {
			return fmt.Errorf("failed to insert order detail %d: %w", i, err)
		}
	}
	return nil
}
