package repo

import (
	"context"
	"database/sql"
	"strings"

	"aipilot/internal/domain"
)

const imageCols = `id,title,description,event_date,year,location,latitude,longitude,
is_true_event,is_ai_generated,is_mature_content,ready_for_game,manual_override,approved,
score_date,score_location,score_title,score_description,score_event,score_overall,
source,event_path,desc_path,hints,country,short_description,detailed_description,
created_at,updated_at`

func scanImage(row interface{ Scan(...any) error }) (domain.ImageRecord, error) {
	var img domain.ImageRecord
	var title, description, eventDate, location, hints, country, shortDesc, detailedDesc sql.NullString
	var year sql.NullInt64
	var lat, lng sql.NullFloat64
	var trueEvent, aiGen, mature, ready, override, approved int
	err := row.Scan(&img.ID, &title, &description, &eventDate, &year, &location, &lat, &lng,
		&trueEvent, &aiGen, &mature, &ready, &override, &approved,
		&img.Scores.Date, &img.Scores.Location, &img.Scores.Title, &img.Scores.Description,
		&img.Scores.Event, &img.Scores.Overall,
		&img.Source, &img.EventPath, &img.DescPath, &hints, &country, &shortDesc, &detailedDesc,
		&img.CreatedAt, &img.UpdatedAt)
	if err == sql.ErrNoRows {
		return img, ErrNotFound
	}
	if err != nil {
		return img, err
	}
	if title.Valid {
		img.Title = &title.String
	}
	if description.Valid {
		img.Description = &description.String
	}
	if eventDate.Valid {
		img.EventDate = &eventDate.String
	}
	if year.Valid {
		y := int(year.Int64)
		img.Year = &y
	}
	if location.Valid {
		img.Location = &location.String
	}
	if lat.Valid {
		img.Latitude = &lat.Float64
	}
	if lng.Valid {
		img.Longitude = &lng.Float64
	}
	if hints.Valid {
		img.Hints = &hints.String
	}
	if country.Valid {
		img.Country = &country.String
	}
	if shortDesc.Valid {
		img.ShortDesc = &shortDesc.String
	}
	if detailedDesc.Valid {
		img.DetailedDesc = &detailedDesc.String
	}
	img.IsTrueEvent = trueEvent != 0
	img.IsAIGenerated = aiGen != 0
	img.IsMatureContent = mature != 0
	img.ReadyForGame = ready != 0
	img.ManualOverride = override != 0
	img.Approved = approved != 0
	return img, nil
}

func (r Repo) InsertImage(ctx context.Context, tx *sql.Tx, img domain.ImageRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO images(`+imageCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		img.ID, nullableStringPtr(img.Title), nullableStringPtr(img.Description), nullableStringPtr(img.EventDate),
		nullableIntPtr(img.Year), nullableStringPtr(img.Location), nullableFloatPtr(img.Latitude), nullableFloatPtr(img.Longitude),
		boolToInt(img.IsTrueEvent), boolToInt(img.IsAIGenerated), boolToInt(img.IsMatureContent),
		boolToInt(img.ReadyForGame), boolToInt(img.ManualOverride), boolToInt(img.Approved),
		img.Scores.Date, img.Scores.Location, img.Scores.Title, img.Scores.Description, img.Scores.Event, img.Scores.Overall,
		img.Source, img.EventPath, img.DescPath,
		nullableStringPtr(img.Hints), nullableStringPtr(img.Country), nullableStringPtr(img.ShortDesc), nullableStringPtr(img.DetailedDesc),
		img.CreatedAt, img.UpdatedAt)
	return err
}

func (r Repo) UpdateImage(ctx context.Context, tx *sql.Tx, img domain.ImageRecord) error {
	res, err := tx.ExecContext(ctx, `UPDATE images SET title=?, description=?, event_date=?, year=?, location=?, latitude=?, longitude=?,
is_true_event=?, is_ai_generated=?, is_mature_content=?, ready_for_game=?, manual_override=?, approved=?,
score_date=?, score_location=?, score_title=?, score_description=?, score_event=?, score_overall=?,
hints=?, country=?, short_description=?, detailed_description=?, updated_at=? WHERE id=?`,
		nullableStringPtr(img.Title), nullableStringPtr(img.Description), nullableStringPtr(img.EventDate),
		nullableIntPtr(img.Year), nullableStringPtr(img.Location), nullableFloatPtr(img.Latitude), nullableFloatPtr(img.Longitude),
		boolToInt(img.IsTrueEvent), boolToInt(img.IsAIGenerated), boolToInt(img.IsMatureContent),
		boolToInt(img.ReadyForGame), boolToInt(img.ManualOverride), boolToInt(img.Approved),
		img.Scores.Date, img.Scores.Location, img.Scores.Title, img.Scores.Description, img.Scores.Event, img.Scores.Overall,
		nullableStringPtr(img.Hints), nullableStringPtr(img.Country), nullableStringPtr(img.ShortDesc), nullableStringPtr(img.DetailedDesc),
		img.UpdatedAt, img.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetImage(ctx context.Context, id string) (domain.ImageRecord, error) {
	return scanImage(r.DB.QueryRowContext(ctx, `SELECT `+imageCols+` FROM images WHERE id=?`, id))
}

type ImageFilters struct {
	Approved *bool
	Source   string
	Limit    int
}

func (r Repo) ListImages(ctx context.Context, f ImageFilters) ([]domain.ImageRecord, error) {
	var clauses []string
	var args []any
	if f.Approved != nil {
		clauses = append(clauses, "approved=?")
		args = append(args, boolToInt(*f.Approved))
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + imageCols + ` FROM images ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ImageRecord
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, img)
	}
	return res, rows.Err()
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
