package model

import "time"

type Business struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PointsPerDollar int       `json:"points_per_dollar"`
	CreatedAt       time.Time `json:"created_at"`
}

type Customer struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	CreatedAt   time.Time `json:"created_at"`
}
